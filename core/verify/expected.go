package verify

import (
	"fmt"
	"strings"

	coreerrors "github.com/davidahmann/tapcheck/core/errors"
	"github.com/davidahmann/tapcheck/core/projectconfig"
	"github.com/davidahmann/tapcheck/core/rules"
	schemaverify "github.com/davidahmann/tapcheck/core/schema/v1/verify"
)

const (
	ContextRX     = rules.ContextRX
	ContextModule = rules.ContextModule
)

type expectedKey struct {
	assetClass string
	context    string
}

var defaultExpected = map[expectedKey]schemaverify.Counts{
	{assetClass: rules.AssetNode, context: ContextRX}:          {Docsis: 1, Channel: 1},
	{assetClass: rules.AssetNode, context: ContextModule}:      {Docsis: 0, Channel: 4},
	{assetClass: rules.AssetAmplifier, context: ContextRX}:     {Docsis: 1, Channel: 4},
	{assetClass: rules.AssetAmplifier, context: ContextModule}: {Docsis: 0, Channel: 4},
}

// ExpectedCounts looks up how many captures of each type an asset folder
// should hold. Config overrides win over the built-in table.
func ExpectedCounts(assetClass string, context string, overrides []projectconfig.ExpectedOverride) (schemaverify.Counts, error) {
	normalizedClass := strings.ToLower(strings.TrimSpace(assetClass))
	normalizedContext := strings.ToLower(strings.TrimSpace(context))
	if normalizedContext == "" {
		normalizedContext = ContextRX
	}
	for _, override := range overrides {
		if override.AssetClass == normalizedClass && override.Context == normalizedContext {
			return schemaverify.Counts{Docsis: override.Docsis, Channel: override.Channel}, nil
		}
	}
	counts, ok := defaultExpected[expectedKey{assetClass: normalizedClass, context: normalizedContext}]
	if !ok {
		return schemaverify.Counts{}, coreerrors.Wrap(
			fmt.Errorf("no expected counts for asset class %q in context %q", assetClass, context),
			coreerrors.CategoryInvalidInput,
			"unknown_asset_context",
			"use asset class node|amplifier and context rx|module, or add a verify.expected override",
			false,
		)
	}
	return counts, nil
}
