package main

import "strings"

// reorderInterspersedFlags moves flags ahead of positionals so that
// "verify <folder> --json" parses like "verify --json <folder>". valueFlags
// names the flags that consume the following argument.
func reorderInterspersedFlags(arguments []string, valueFlags map[string]bool) []string {
	if len(arguments) == 0 {
		return arguments
	}

	flags := make([]string, 0, len(arguments))
	positionals := make([]string, 0, len(arguments))
	for index := 0; index < len(arguments); index++ {
		argument := arguments[index]
		if argument == "--" {
			positionals = append(positionals, arguments[index+1:]...)
			break
		}
		if len(argument) < 2 || !strings.HasPrefix(argument, "-") {
			positionals = append(positionals, argument)
			continue
		}
		flags = append(flags, argument)
		name := strings.TrimLeft(argument, "-")
		if strings.Contains(name, "=") || !valueFlags[name] || index+1 >= len(arguments) {
			continue
		}
		index++
		flags = append(flags, arguments[index])
	}
	return append(flags, positionals...)
}
