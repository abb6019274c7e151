package forja

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// printHelp prints the commands table
func printHelp() {
	cPrintln(colSuccess, "Usage: forja <command> [arguments]")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"version, --version", "", "Version information"},
		{"build, b", "<recipe>", "Build and install one recipe"},
		{"remove, r", "<pkg>", "Uninstall a package via its manifest"},
		{"info", "<pkg>", "Show recorded metadata for a package"},
		{"list, ls", "", "List installed packages, sorted"},
		{"status, is-installed", "<pkg>", "Print whether a package is installed"},
		{"manifest, m", "<pkg>", "Show the file list for an installed package"},
		{"rebuild-all", "", "Rebuild every recipe under the repository root"},
	}

	// Longest usage string decides the first column width.
	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		var usageString string
		if c.Args != "" {
			usageString = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usageString = fmt.Sprintf("  %s", c.Cmd)
		}

		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}

		pad := columnWidth - len(usageString)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))
		color.Info.Println(c.Desc)
	}
	fmt.Println()
}

// Main is the CLI entrypoint.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if isCriticalAtomic.Load() == 1 {
					// --- CRITICAL PHASE: block 1st signal, force exit on 2nd ---
					colArrow.Print("\n-> ")
					cPrintf(colError, "Critical operation in progress (deploy). Press Ctrl+C AGAIN to force exit NOW.\n")

					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						cPrintf(colError, "Forced immediate exit.")
						os.Exit(130)
					case <-time.After(5 * time.Second):
						continue
					case <-ctx.Done():
						return
					}
				} else {
					// --- NON-CRITICAL PHASE: graceful cancellation ---
					colArrow.Print("\n-> ")
					color.Danger.Printf("Received %v. Cancelling process gracefully\n", sig)
					cancel()

					time.Sleep(100 * time.Millisecond)

					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						color.Danger.Printf("Second interrupt received. Forcing immediate exit.")
						os.Exit(130)
					case <-time.After(2 * time.Second):
						colArrow.Print("\n-> ")
						color.Danger.Printf("Graceful shutdown timeout. Exiting.")
						os.Exit(0)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	if ctx.Err() != nil {
		return
	}

	if len(os.Args) < 2 {
		printHelp()
		return
	}

	configPath := ConfigFile
	if conf := os.Getenv("FORJA_CONF"); conf != "" {
		configPath = conf
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to read %s: %v\n", configPath, err)
	}
	initConfig(cfg)

	UserExec = NewExecutor(ctx)
	RootExec = &Executor{Context: ctx, ShouldRunAsRoot: true}

	db := newStateDB(Installed)

	exitCode := runCommand(os.Args[1], os.Args[2:], db, cfg)
	cancel()
	os.Exit(exitCode)
}

func runCommand(command string, args []string, db *StateDB, cfg *Config) int {
	switch command {
	case "version", "--version":
		fmt.Printf("forja %s (%s, built %s)\n", version, arch, buildDate)
		return 0

	case "build", "b":
		if len(args) < 1 {
			cPrintln(colError, "build: missing recipe argument")
			return 1
		}
		for _, arg := range args {
			dir, err := findRecipeDir(arg)
			if err != nil {
				cPrintf(colError, "Error: %v\n", err)
				return 1
			}
			if err := pkgBuild(dir, db, cfg, UserExec); err != nil {
				cPrintf(colError, "Error: %v\n", err)
				return 1
			}
		}
		return 0

	case "remove", "r", "uninstall":
		if len(args) < 1 {
			cPrintln(colError, "remove: missing package argument")
			return 1
		}
		for _, name := range args {
			if err := pkgRemove(name, db, RootExec); err != nil {
				cPrintf(colError, "Error: %v\n", err)
				return 1
			}
		}
		return 0

	case "info":
		if len(args) < 1 {
			cPrintln(colError, "info: missing package argument")
			return 1
		}
		printInfo(args[0], db)
		return 0

	case "list", "ls":
		names, err := db.ListInstalled()
		if err != nil {
			cPrintf(colError, "Error: %v\n", err)
			return 1
		}
		for _, name := range names {
			ver, _ := db.Get(name, keyVersion)
			fmt.Printf("%s %s\n", name, ver)
		}
		return 0

	case "status", "is-installed":
		if len(args) < 1 {
			cPrintln(colError, "status: missing package argument")
			return 1
		}
		if db.IsInstalled(args[0]) {
			fmt.Printf("%s: installed\n", args[0])
		} else {
			fmt.Printf("%s: not installed\n", args[0])
		}
		return 0

	case "manifest", "m":
		if len(args) < 1 {
			cPrintln(colError, "manifest: missing package argument")
			return 1
		}
		manifest, err := db.ReadManifest(args[0])
		if err != nil {
			cPrintf(colError, "Error: %v\n", err)
			return 1
		}
		for _, entry := range manifest {
			fmt.Println(entry)
		}
		return 0

	case "rebuild-all":
		recipes, err := findAllRecipes()
		if err != nil {
			cPrintf(colError, "Error: %v\n", err)
			return 1
		}
		sched := newScheduler(db, cfg, UserExec)
		if err := sched.rebuildAll(recipes); err != nil {
			var unresolved *UnresolvedError
			if errors.As(err, &unresolved) {
				cPrintln(colError, "rebuild-all finished with unresolved recipes:")
				for _, r := range unresolved.Remaining {
					cPrintf(colError, "  %s (waiting on: %s)\n", r.Name, strings.Join(r.Missing, ", "))
				}
			} else {
				cPrintf(colError, "Error: %v\n", err)
			}
			return 1
		}
		colArrow.Print("-> ")
		cPrintf(colSuccess, "Rebuilt %d recipe(s)\n", len(recipes))
		return 0

	case "help", "-h", "--help":
		printHelp()
		return 0

	default:
		cPrintf(colError, "Unknown command: %s\n", command)
		printHelp()
		return 1
	}
}

func printInfo(name string, db *StateDB) {
	records, _ := db.Records()
	found := false
	for _, r := range records {
		if r == name {
			found = true
			break
		}
	}
	if !found {
		fmt.Printf("%s: not installed\n", name)
		return
	}

	colArrow.Print("-> ")
	cPrintln(colSuccess, name)
	for _, key := range []string{keyVersion, keyArtifact, keyCategory, keyDepends, keyInstalled, keyPostRemove} {
		if val, ok := db.Get(name, key); ok {
			fmt.Printf("%-12s %s\n", key+":", val)
		}
	}
	if !db.IsInstalled(name) {
		cPrintln(colWarn, "(not currently installed)")
	}
	if manifest, err := db.ReadManifest(name); err == nil {
		fmt.Printf("%-12s %d entries\n", "manifest:", len(manifest))
	}
}
