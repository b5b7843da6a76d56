//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// ===============================
// Mage Aliases
// ===============================

var Aliases = map[string]interface{}{
	"deps":                Deps.Tidy,
	"vet":                 QC.Vet,
	"lint":                QC.Lint,
	"go-mod-update-check": QC.GoModUpdateCheck,
	"go-mod-update":       QC.GoModUpdate,
	"test":                Test.All,
	"test-cover":          Test.Coverage,
}

// ===============================
// Dependency Tasks
// ===============================

type Deps mg.Namespace

// Tidies the module graph
func (Deps) Tidy() error {
	fmt.Println("\n📦 Tidying module dependencies...")
	return sh.RunV("go", "mod", "tidy")
}

// Downloads module dependencies
func (Deps) Download() error {
	fmt.Println("\n📦 Downloading module dependencies...")
	return sh.RunV("go", "mod", "download")
}

// ===============================
// Quality Control Tasks
// ===============================

type QC mg.Namespace

// Checks for available dependency updates
func (QC) GoModUpdateCheck() error {
	fmt.Println("\n🔧 Checking for go.mod updates...")
	return sh.RunV("go", "list", "-u", "-m", "-f", `{{if and (not .Indirect) .Update}}{{.Path}} {{.Version}} → {{.Update.Version}}{{end}}`, "all")
}

// Updates dependencies
func (QC) GoModUpdate() error {
	fmt.Println("\n🔧 Updating go.mod dependencies...")
	if err := sh.RunV("go", "get", "-u", "./..."); err != nil {
		return err
	}
	return sh.RunV("go", "mod", "tidy")
}

// Runs go vet and staticcheck
func (QC) Vet() error {
	fmt.Println("\n🔎 Vetting...")
	if err := sh.RunV("go", "vet", "./..."); err != nil {
		return err
	}
	return sh.RunV("staticcheck", "./...")
}

// Runs golangci-lint
func (QC) Lint() error {
	fmt.Println("\n🔎 Linting...")
	return sh.RunV("golangci-lint", "run", "./...")
}

// ===============================
// Test Tasks
// ===============================

const coverageDir = "coverage"
const coverageFile = coverageDir + "/snapstore.coverage.out"

type Test mg.Namespace

// Runs the test suite
func (Test) All() error {
	fmt.Println("\n🔎 Running tests...")
	return sh.RunV("go", "test", "./...")
}

// Runs the test suite with the race detector
func (Test) Race() error {
	fmt.Println("\n🔎 Running tests with the race detector...")
	return sh.RunV("go", "test", "-race", "./...")
}

// Runs the test suite with coverage
func (Test) Coverage() error {
	fmt.Println("\n🔎 Running tests with coverage report...")
	os.MkdirAll(coverageDir, os.ModePerm)
	return sh.RunV("go", "test", "./...", "-coverprofile="+coverageFile)
}

// ===============================
// Build Tasks
// ===============================

// Builds every package.
func Build() error {
	fmt.Println("\n🔨 Building...")
	return sh.RunV("go", "build", "./...")
}
