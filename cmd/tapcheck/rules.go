package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/davidahmann/tapcheck/core/rules"
)

type rulesValidateOutput struct {
	OK               bool   `json:"ok"`
	Path             string `json:"path,omitempty"`
	DocsisClasses    int    `json:"docsis_classes,omitempty"`
	NodeBands        int    `json:"node_bands,omitempty"`
	AmplifierBands   int    `json:"amplifier_bands,omitempty"`
	ChannelRuleCount int    `json:"channel_rules,omitempty"`
	errorFields
}

func runRules(arguments []string) int {
	if len(arguments) == 0 {
		printRulesUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "validate":
		return runRulesValidate(arguments[1:])
	default:
		printRulesUsage()
		return exitInvalidInput
	}
}

func runRulesValidate(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Check a rule table against the rule table schema and report what it covers.")
	}
	arguments = reorderInterspersedFlags(arguments, nil)
	flagSet := flag.NewFlagSet("rules validate", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var jsonOutput bool
	var helpFlag bool
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")
	if err := flagSet.Parse(arguments); err != nil {
		return writeRulesValidateOutput(jsonOutput, rulesValidateOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if helpFlag {
		printRulesUsage()
		return exitOK
	}
	remaining := flagSet.Args()
	if len(remaining) != 1 {
		return writeRulesValidateOutput(jsonOutput, rulesValidateOutput{errorFields: errorFields{Error: "expected exactly one rule table path"}}, exitInvalidInput)
	}

	path := remaining[0]
	table, err := rules.Load(path)
	if err != nil {
		return writeRulesValidateOutput(jsonOutput, rulesValidateOutput{Path: path, errorFields: fieldsForError(err)}, exitCodeForError(err, exitInvalidInput))
	}
	output := rulesValidateOutput{
		OK:             true,
		Path:           path,
		DocsisClasses:  len(table.DocsisExpert),
		NodeBands:      len(table.ChannelExpert.Node),
		AmplifierBands: len(table.ChannelExpert.Amplifier),
	}
	for _, band := range table.ChannelExpert.Node {
		output.ChannelRuleCount += len(band.Channels)
	}
	for _, band := range table.ChannelExpert.Amplifier {
		output.ChannelRuleCount += len(band.Channels)
	}
	return writeRulesValidateOutput(jsonOutput, output, exitOK)
}

func writeRulesValidateOutput(jsonOutput bool, output rulesValidateOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if !output.OK {
		fmt.Printf("rules validate error: %s\n", output.Error)
		return exitCode
	}
	fmt.Printf("rules ok: %s (docsis classes %d, node bands %d, amplifier bands %d, channel rules %d)\n",
		output.Path, output.DocsisClasses, output.NodeBands, output.AmplifierBands, output.ChannelRuleCount)
	return exitCode
}

func printRulesUsage() {
	fmt.Println("Usage:")
	fmt.Println("  tapcheck rules validate <table.json> [--json] [--explain]")
}
