package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	coreerrors "github.com/davidahmann/tapcheck/core/errors"
	"github.com/davidahmann/tapcheck/core/fsx"
	"github.com/davidahmann/tapcheck/core/projectconfig"
	"github.com/davidahmann/tapcheck/core/rules"
	schemaverify "github.com/davidahmann/tapcheck/core/schema/v1/verify"
	"github.com/davidahmann/tapcheck/core/switchpos"
	"github.com/davidahmann/tapcheck/core/verify"
)

type verifyOutput struct {
	OK        bool                  `json:"ok"`
	Folder    string                `json:"folder,omitempty"`
	ModuleDir string                `json:"module_dir,omitempty"`
	Summary   *schemaverify.Summary `json:"summary,omitempty"`
	Module    *schemaverify.Summary `json:"module,omitempty"`
	errorFields
}

type verifyOptions struct {
	assetClass      string
	assetID         string
	assetContext    string
	frequencyMHz    float64
	moduleDir       string
	rulesPath       string
	configPath      string
	switchStorePath string
	targetsPath     string
	geoPointsPath   string
	wavelength      string
	outPath         string
	logLevel        string
	jsonOutput      bool
	helpFlag        bool
}

var verifyValueFlags = map[string]bool{
	"asset-class":  true,
	"asset-id":     true,
	"context":      true,
	"frequency":    true,
	"module-dir":   true,
	"rules":        true,
	"config":       true,
	"switch-store": true,
	"targets":      true,
	"geo-points":   true,
	"wavelength":   true,
	"out":          true,
	"log-level":    true,
	"debounce":     true,
}

func (options *verifyOptions) register(flagSet *flag.FlagSet) {
	flagSet.StringVar(&options.assetClass, "asset-class", "", "asset class: node|amplifier")
	flagSet.StringVar(&options.assetID, "asset-id", "", "asset identifier used to scope stored switch positions")
	flagSet.StringVar(&options.assetContext, "context", verify.ContextRX, "capture context: rx|module")
	flagSet.Float64Var(&options.frequencyMHz, "frequency", 0, "asset frequency in MHz")
	flagSet.StringVar(&options.moduleDir, "module-dir", "", "paired module folder verified alongside the rx folder")
	flagSet.StringVar(&options.rulesPath, "rules", "", "rule table JSON path")
	flagSet.StringVar(&options.configPath, "config", "", "project config path")
	flagSet.StringVar(&options.switchStorePath, "switch-store", "", "SQLite switch position store path")
	flagSet.StringVar(&options.targetsPath, "targets", "", "JSON object of channel targets for amplifiers")
	flagSet.StringVar(&options.geoPointsPath, "geo-points", "", "JSON array of extra geolocation points")
	flagSet.StringVar(&options.wavelength, "wavelength", "", "optical wavelength: 1310|1550")
	flagSet.StringVar(&options.outPath, "out", "", "write the summary JSON to this path")
	flagSet.StringVar(&options.logLevel, "log-level", "", "log level: debug|info|warn|error")
	flagSet.BoolVar(&options.jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&options.helpFlag, "help", false, "show help")
}

func runVerify(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Verify one asset folder: unpack archives, drop duplicate and surplus captures, validate readings against the rule table and summarize what is missing. Files are cleaned up in place.")
	}
	arguments = reorderInterspersedFlags(arguments, verifyValueFlags)
	flagSet := flag.NewFlagSet("verify", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var options verifyOptions
	options.register(flagSet)

	if err := flagSet.Parse(arguments); err != nil {
		return writeVerifyOutput(options.jsonOutput, verifyOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if options.helpFlag {
		printVerifyUsage()
		return exitOK
	}
	remaining := flagSet.Args()
	if len(remaining) != 1 {
		return writeVerifyOutput(options.jsonOutput, verifyOutput{errorFields: errorFields{Error: "expected exactly one measurement folder"}}, exitInvalidInput)
	}
	folder := remaining[0]

	session, err := openVerifySession(options)
	if err != nil {
		return writeVerifyOutput(options.jsonOutput, verifyOutput{Folder: folder, errorFields: fieldsForError(err)}, exitCodeForError(err, exitInvalidInput))
	}
	defer session.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	output, err := session.verifyAll(ctx, folder, options.moduleDir)
	if err != nil {
		return writeVerifyOutput(options.jsonOutput, verifyOutput{Folder: folder, ModuleDir: options.moduleDir, errorFields: fieldsForError(err)}, exitCodeForError(err, exitInternalFailure))
	}
	if options.outPath != "" {
		if err := writeSummaryFile(options.outPath, output); err != nil {
			output.OK = false
			output.errorFields = fieldsForError(err)
			return writeVerifyOutput(options.jsonOutput, output, exitInternalFailure)
		}
	}
	exitCode := exitOK
	if !output.OK {
		exitCode = exitIncomplete
	}
	return writeVerifyOutput(options.jsonOutput, output, exitCode)
}

type verifySession struct {
	engine  *verify.Engine
	logger  *zap.Logger
	store   *switchpos.SQLiteStore
	request verify.Request
}

func openVerifySession(options verifyOptions) (*verifySession, error) {
	configuration, err := loadProjectConfig(options.configPath)
	if err != nil {
		return nil, err
	}
	logLevel := options.logLevel
	if strings.TrimSpace(logLevel) == "" {
		logLevel = configuration.Log.Level
	}
	logger, err := newLogger(logLevel)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "log_level_invalid", "use debug, info, warn or error", false)
	}

	rulesPath := options.rulesPath
	if strings.TrimSpace(rulesPath) == "" {
		rulesPath = configuration.Rules.Path
	}
	table, err := rules.Load(rulesPath)
	if err != nil {
		return nil, err
	}
	targets, err := readTargets(options.targetsPath)
	if err != nil {
		return nil, err
	}
	points, err := readGeoPoints(options.geoPointsPath)
	if err != nil {
		return nil, err
	}

	session := &verifySession{
		logger: logger,
		request: verify.Request{
			AssetID:         options.assetID,
			AssetClass:      options.assetClass,
			FrequencyMHz:    options.frequencyMHz,
			Context:         options.assetContext,
			Targets:         targets,
			Wavelength:      options.wavelength,
			ExtraPoints:     points,
			ProducerVersion: version,
		},
	}
	engineOptions := verify.Options{Rules: table, Logger: logger, Config: configuration}
	storePath := options.switchStorePath
	if strings.TrimSpace(storePath) == "" {
		storePath = configuration.SwitchStore.Path
	}
	if strings.TrimSpace(storePath) != "" {
		store, err := switchpos.OpenSQLiteStore(storePath)
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "switch_store_unavailable", "check the switch store path", false)
		}
		session.store = store
		engineOptions.Store = store
	}
	session.engine = verify.New(engineOptions)
	return session, nil
}

func (s *verifySession) Close() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("close switch store", zap.Error(err))
		}
	}
	_ = s.logger.Sync()
}

// verifyAll runs the rx folder and, when given, the module folder
// concurrently. The two runs share only the switch position store.
func (s *verifySession) verifyAll(ctx context.Context, folder string, moduleDir string) (verifyOutput, error) {
	output := verifyOutput{Folder: folder, ModuleDir: moduleDir}
	if strings.TrimSpace(moduleDir) == "" {
		request := s.request
		request.Folder = folder
		summary, err := s.engine.Verify(ctx, request)
		if err != nil {
			return verifyOutput{}, err
		}
		output.Summary = &summary
		output.OK = summary.Complete()
		return output, nil
	}

	var rxSummary, moduleSummary schemaverify.Summary
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		request := s.request
		request.Folder = folder
		request.Context = verify.ContextRX
		summary, err := s.engine.Verify(groupCtx, request)
		rxSummary = summary
		return err
	})
	group.Go(func() error {
		request := s.request
		request.Folder = moduleDir
		request.Context = verify.ContextModule
		summary, err := s.engine.Verify(groupCtx, request)
		moduleSummary = summary
		return err
	})
	if err := group.Wait(); err != nil {
		return verifyOutput{}, err
	}
	output.Summary = &rxSummary
	output.Module = &moduleSummary
	output.OK = rxSummary.Complete() && moduleSummary.Complete()
	return output, nil
}

func loadProjectConfig(path string) (projectconfig.Config, error) {
	configPath := strings.TrimSpace(path)
	allowMissing := false
	if configPath == "" {
		configPath = projectconfig.DefaultPath
		allowMissing = true
	}
	configuration, err := projectconfig.Load(configPath, allowMissing)
	if err != nil {
		return projectconfig.Config{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "config_invalid", "fix the project config or pass --config", false)
	}
	return configuration, nil
}

func readTargets(path string) (map[string]float64, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	var targets map[string]float64
	if err := readJSONFile(path, &targets); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "targets_invalid", `targets must be a JSON object such as {"50": 42.0}`, false)
	}
	return targets, nil
}

func readGeoPoints(path string) ([]schemaverify.GeoPoint, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	var points []schemaverify.GeoPoint
	if err := readJSONFile(path, &points); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "geo_points_invalid", `geo points must be a JSON array of {"latitude":..,"longitude":..}`, false)
	}
	return points, nil
}

func readJSONFile(path string, target any) error {
	// #nosec G304 -- path is explicit local user input.
	content, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(content, target); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func writeSummaryFile(path string, output verifyOutput) error {
	encoded, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "encode_failed", "", false)
	}
	encoded = append(encoded, '\n')
	if err := fsx.WriteFileAtomic(path, encoded, 0o600); err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "summary_write_failed", "check the --out path", false)
	}
	return nil
}

func writeVerifyOutput(jsonOutput bool, output verifyOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Printf("verify error: %s\n", output.Error)
		if output.Hint != "" {
			fmt.Printf("hint: %s\n", output.Hint)
		}
		return exitCode
	}
	printSummary(output.Folder, output.Summary)
	if output.Module != nil {
		printSummary(output.ModuleDir, output.Module)
	}
	return exitCode
}

func printSummary(folder string, summary *schemaverify.Summary) {
	if summary == nil {
		return
	}
	state := "complete"
	if !summary.Complete() {
		state = "incomplete"
	}
	fmt.Printf("verify %s: %s (%s/%s band %s)\n", state, folder, summary.AssetClass, summary.Context, summary.Band)
	fmt.Printf("  docsis %d/%d  channel %d/%d  observations %d\n",
		summary.Found.Docsis, summary.Expected.Docsis,
		summary.Found.Channel, summary.Expected.Channel,
		summary.ObservationCount,
	)
	for _, issue := range summary.Issues {
		fmt.Printf("  issue %s: %s\n", issue.Code, issue.Message)
	}
	for _, issue := range summary.GeoIssues {
		fmt.Printf("  geo %s\n", issue.Message)
	}
	printList("duplicates", append(append([]string{}, summary.DuplicateFiles...), summary.DuplicateEntries...))
	printList("surplus", summary.SurplusLabels)
	printList("parse errors", summary.ParseErrorFiles)
	printList("invalid type", summary.InvalidTypeFiles)
	printList("discarded", summary.DiscardedLabels)
	printList("removed", summary.RemovedFiles)
}

func printList(label string, values []string) {
	if len(values) == 0 {
		return
	}
	fmt.Printf("  %s: %s\n", label, strings.Join(values, ", "))
}

func printVerifyUsage() {
	fmt.Println("Usage:")
	fmt.Println("  tapcheck verify <folder> --asset-class node|amplifier --frequency <MHz> [--module-dir <folder>] [--context rx|module] [--asset-id <id>] [--rules <table.json>] [--config <config.yaml>] [--switch-store <positions.db>] [--targets <targets.json>] [--geo-points <points.json>] [--wavelength 1310|1550] [--out <summary.json>] [--log-level <level>] [--json] [--explain]")
}
