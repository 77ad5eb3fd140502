package main

import (
	"fmt"
	"os"
	"strings"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

const (
	exitOK              = 0
	exitInternalFailure = 1
	exitIncomplete      = 2
	exitInvalidInput    = 6
)

func main() {
	os.Exit(run(os.Args))
}

func run(arguments []string) int {
	if len(arguments) < 2 {
		fmt.Println("tapcheck", version)
		return exitOK
	}
	if arguments[1] == "--explain" {
		return writeExplain("tapcheck verifies field measurement folders offline: it unpacks archives, removes duplicate captures, checks readings against a rule table and reports what is still missing.")
	}

	switch arguments[1] {
	case "verify":
		return runVerify(arguments[2:])
	case "rules":
		return runRules(arguments[2:])
	case "watch":
		return runWatch(arguments[2:])
	case "version", "--version", "-v":
		if hasExplainFlag(arguments[2:]) {
			return writeExplain("Print the CLI version.")
		}
		fmt.Println("tapcheck", version)
		return exitOK
	default:
		printUsage()
		return exitInvalidInput
	}
}

func hasExplainFlag(arguments []string) bool {
	for _, argument := range arguments {
		if strings.TrimSpace(argument) == "--explain" {
			return true
		}
	}
	return false
}

func writeExplain(text string) int {
	fmt.Println(text)
	return exitOK
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  tapcheck verify <folder> --asset-class node|amplifier --frequency <MHz> [--module-dir <folder>] [--context rx|module] [--asset-id <id>] [--rules <table.json>] [--config <config.yaml>] [--switch-store <positions.db>] [--targets <targets.json>] [--geo-points <points.json>] [--wavelength 1310|1550] [--out <summary.json>] [--log-level <level>] [--json] [--explain]")
	fmt.Println("  tapcheck watch <folder> [verify flags] [--debounce <duration>]")
	fmt.Println("  tapcheck rules validate <table.json> [--json] [--explain]")
	fmt.Println("  tapcheck version")
}
