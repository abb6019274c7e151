package main

import (
	"forja/internal/forja"
)

func main() {
	forja.Main()
}
