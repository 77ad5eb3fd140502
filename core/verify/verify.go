package verify

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	coreerrors "github.com/davidahmann/tapcheck/core/errors"
	"github.com/davidahmann/tapcheck/core/fsx"
	"github.com/davidahmann/tapcheck/core/geo"
	"github.com/davidahmann/tapcheck/core/ledger"
	"github.com/davidahmann/tapcheck/core/projectconfig"
	"github.com/davidahmann/tapcheck/core/record"
	"github.com/davidahmann/tapcheck/core/rules"
	schemaverify "github.com/davidahmann/tapcheck/core/schema/v1/verify"
	"github.com/davidahmann/tapcheck/core/switchpos"
	"github.com/davidahmann/tapcheck/core/unpack"
)

// MaterializedPrefix marks loose files written from accepted archive members.
const MaterializedPrefix = "unpacked__"

const (
	discardedListExtension = ".txt"
	materializedFileMode   = 0o600
)

var renderingExtensions = map[string]bool{
	".html": true,
	".htm":  true,
	".pdf":  true,
}

type Options struct {
	Rules  *rules.Table
	Store  switchpos.Store
	Logger *zap.Logger
	Config projectconfig.Config
	Now    func() time.Time
}

type Engine struct {
	validator *rules.Validator
	store     switchpos.Store
	logger    *zap.Logger
	config    projectconfig.Config
	now       func() time.Time
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := opts.Store
	if store == nil {
		store = switchpos.NewMemoryStore()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		validator: rules.NewValidator(opts.Rules),
		store:     store,
		logger:    logger,
		config:    opts.Config,
		now:       now,
	}
}

// Request describes one asset folder to verify. Targets, Wavelength and
// ExtraPoints come from collaborators outside the engine.
type Request struct {
	Folder          string
	AssetID         string
	AssetClass      string
	FrequencyMHz    float64
	Context         string
	Targets         map[string]float64
	Wavelength      string
	ExtraPoints     []schemaverify.GeoPoint
	ProducerVersion string
}

type sourceFile struct {
	name       string
	path       string
	data       []byte
	container  bool
	candidates []unpack.Candidate
	hadFailure bool
	rejected   bool
	keep       map[string]bool
}

type acceptedEntry struct {
	entry         record.Entry
	identity      string
	sourceLabel   string
	fromContainer bool
	index         int
}

type removal struct {
	path   string
	name   string
	reason string
}

type run struct {
	engine    *Engine
	request   Request
	folder    string
	logger    *zap.Logger
	summary   schemaverify.Summary
	ledger    *ledger.Ledger
	discarded map[string]bool
	accepted  []acceptedEntry
	removals  []removal
}

// Verify runs the whole pipeline over one folder. Problems with individual
// files or entries end up in the summary; only an unusable request or an
// unreadable folder, or cancellation, is returned as an error.
func (e *Engine) Verify(ctx context.Context, request Request) (schemaverify.Summary, error) {
	folder := strings.TrimSpace(request.Folder)
	if folder == "" {
		return schemaverify.Summary{}, coreerrors.Wrap(fmt.Errorf("measurement folder is required"), coreerrors.CategoryInvalidInput, "folder_required", "pass the asset measurement folder", false)
	}
	expected, err := ExpectedCounts(request.AssetClass, request.Context, e.config.Verify.Expected)
	if err != nil {
		return schemaverify.Summary{}, err
	}

	runID := uuid.NewString()
	logger := e.logger.With(zap.String("run_id", runID), zap.String("folder", folder))
	assetClass := strings.ToLower(strings.TrimSpace(request.AssetClass))
	assetContext := strings.ToLower(strings.TrimSpace(request.Context))
	if assetContext == "" {
		assetContext = ContextRX
	}
	current := &run{
		engine:    e,
		request:   request,
		folder:    folder,
		logger:    logger,
		ledger:    ledger.New(),
		discarded: map[string]bool{},
		summary: schemaverify.Summary{
			SchemaID:        schemaverify.SummarySchemaID,
			SchemaVersion:   schemaverify.SummarySchemaVersion,
			ProducerVersion: request.ProducerVersion,
			RunID:           runID,
			AssetID:         request.AssetID,
			AssetClass:      assetClass,
			Context:         assetContext,
			Band:            rules.BandFor(request.FrequencyMHz),
			Expected:        expected,
		},
	}
	current.request.AssetClass = assetClass
	current.request.Context = assetContext

	stages := newStageTracker(logger)
	files, err := current.scan(ctx)
	if err != nil {
		return schemaverify.Summary{}, err
	}

	stages.advance(StageUnpacking)
	if err := current.unpack(ctx, files); err != nil {
		return schemaverify.Summary{}, err
	}

	stages.advance(StageParsingDedup)
	if err := current.parseAndDedup(ctx, files); err != nil {
		return schemaverify.Summary{}, err
	}

	stages.advance(StageValidating)
	if err := current.validate(ctx); err != nil {
		return schemaverify.Summary{}, err
	}

	stages.advance(StageAggregating)
	current.aggregate()
	if err := ctx.Err(); err != nil {
		return schemaverify.Summary{}, err
	}
	current.planLooseRemovals(files)
	current.consumeContainers(files)
	current.applyRemovals()

	stages.advance(StageSummarized)
	current.finish(e.now())
	logger.Info("verification finished",
		zap.Int("docsis", current.summary.Found.Docsis),
		zap.Int("channel", current.summary.Found.Channel),
		zap.Int("identities", current.ledger.Len()),
		zap.Int("observations", current.summary.ObservationCount),
		zap.Int("removed_files", len(current.summary.RemovedFiles)),
	)
	return current.summary, nil
}

func (r *run) scan(ctx context.Context) ([]*sourceFile, error) {
	names, err := fsx.ListRegularFiles(r.folder)
	if err != nil {
		return nil, coreerrors.Wrap(
			fmt.Errorf("read measurement folder %s: %w", r.folder, err),
			coreerrors.CategoryIOFailure,
			"folder_unreadable",
			"check the folder path and permissions",
			false,
		)
	}

	var loose, containers []*sourceFile
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		filePath := filepath.Join(r.folder, name)
		extension := strings.ToLower(filepath.Ext(name))
		if extension == discardedListExtension {
			r.readDiscardedLabels(filePath)
			continue
		}
		if renderingExtensions[extension] {
			r.scheduleRemoval(filePath, name, "rendering artifact")
			continue
		}

		// #nosec G304 -- path is a regular file listed from the measurement folder.
		data, err := os.ReadFile(filePath)
		if err != nil {
			r.logger.Warn("skip unreadable file", zap.String("file", name), zap.Error(err))
			r.summary.ParseErrorFiles = append(r.summary.ParseErrorFiles, name)
			continue
		}
		file := &sourceFile{name: name, path: filePath, data: data, keep: map[string]bool{}}
		switch unpack.Classify(data, name) {
		case unpack.ShapeJSON:
			loose = append(loose, file)
		case unpack.ShapeZip, unpack.ShapeGzip:
			file.container = true
			containers = append(containers, file)
		default:
			r.scheduleRemoval(filePath, name, "unrecognized file")
		}
	}
	r.logger.Debug("scanned folder", zap.Int("loose", len(loose)), zap.Int("containers", len(containers)))
	return append(loose, containers...), nil
}

func (r *run) readDiscardedLabels(filePath string) {
	// #nosec G304 -- path is a regular file listed from the measurement folder.
	content, err := os.ReadFile(filePath)
	if err != nil {
		r.logger.Warn("skip unreadable discarded list", zap.String("file", filepath.Base(filePath)), zap.Error(err))
		return
	}
	for _, line := range strings.Split(string(content), "\n") {
		label := strings.TrimSpace(line)
		if label == "" || strings.HasPrefix(label, "#") {
			continue
		}
		r.discarded[label] = true
	}
}

func (r *run) unpack(ctx context.Context, files []*sourceFile) error {
	opts := unpack.Options{
		MaxDepth:       r.engine.config.Unpack.MaxDepth,
		MaxMemberBytes: r.engine.config.Unpack.MaxMemberBytes,
		MaxTotalBytes:  r.engine.config.Unpack.MaxTotalBytes,
	}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		file.candidates = unpack.Unpack(file.data, file.name, opts)
		file.data = nil
		for index := range file.candidates {
			candidate := &file.candidates[index]
			if strings.HasPrefix(file.name, MaterializedPrefix) {
				candidate.FromContainer = true
			}
			if candidate.Err != nil {
				file.hadFailure = true
				r.summary.ParseErrorFiles = append(r.summary.ParseErrorFiles, candidate.Label)
				r.logFailure("container node unreadable", candidate.Label, candidate.Err)
			}
		}
	}
	return nil
}

// logFailure reports a file-level failure. Local failures only cost the file
// its place in the run; anything else points at a bug and is logged louder.
func (r *run) logFailure(message string, label string, err error) {
	fields := []zap.Field{
		zap.String("label", label),
		zap.String("error_code", coreerrors.CodeOf(err)),
		zap.Error(err),
	}
	if coreerrors.IsLocal(err) {
		r.logger.Warn(message, fields...)
		return
	}
	r.logger.Error(message, fields...)
}

func (r *run) parseAndDedup(ctx context.Context, files []*sourceFile) error {
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, candidate := range file.candidates {
			if candidate.Err != nil {
				continue
			}
			entries, err := record.Parse(candidate.Data, candidate.Label)
			if err != nil {
				file.hadFailure = true
				r.summary.ParseErrorFiles = append(r.summary.ParseErrorFiles, candidate.Label)
				r.logFailure("capture not parseable", candidate.Label, err)
				continue
			}
			for _, entry := range entries {
				r.admit(file, candidate, entry)
			}
		}
	}
	return nil
}

// admit routes one parsed entry to exactly one outcome: discarded, invalid
// type, duplicate, surplus or accepted.
func (r *run) admit(file *sourceFile, candidate unpack.Candidate, entry record.Entry) {
	label := candidate.Label
	if r.isDiscarded(label) {
		measurement := rules.Measurements(entry)
		measurement.IsDiscarded = true
		measurement.FromContainer = candidate.FromContainer
		r.summary.Entries = append(r.summary.Entries, measurement)
		r.summary.DiscardedLabels = appendUnique(r.summary.DiscardedLabels, label)
		file.keep[label] = true
		return
	}
	if !entry.KnownType() {
		r.summary.InvalidTypeFiles = appendUnique(r.summary.InvalidTypeFiles, label)
		file.keep[label] = true
		r.logger.Debug("invalid measurement type", zap.String("label", label), zap.String("type", entry.RawType))
		return
	}

	identity, err := ledger.Identity(entry)
	if err != nil {
		r.summary.ParseErrorFiles = appendUnique(r.summary.ParseErrorFiles, label)
		r.logger.Warn("identity digest failed", zap.String("label", label), zap.Error(err))
		return
	}
	if !r.ledger.Register(identity, label) {
		first, _ := r.ledger.FirstLabel(identity)
		if file.container {
			r.summary.DuplicateEntries = append(r.summary.DuplicateEntries, label)
		} else {
			r.summary.DuplicateFiles = appendUnique(r.summary.DuplicateFiles, file.name)
			file.rejected = true
		}
		r.logger.Debug("duplicate capture", zap.String("label", label), zap.String("first_label", first))
		return
	}

	if !r.reserveSlot(entry.Type) {
		r.summary.SurplusLabels = append(r.summary.SurplusLabels, label)
		file.rejected = true
		r.logger.Debug("surplus capture", zap.String("label", label), zap.String("type", entry.Type))
		return
	}

	file.keep[label] = true
	r.summary.ValidFiles = appendUnique(r.summary.ValidFiles, label)
	r.accepted = append(r.accepted, acceptedEntry{
		entry:         entry,
		identity:      identity,
		sourceLabel:   sourceLabel(file, label),
		fromContainer: candidate.FromContainer,
		index:         len(r.summary.Entries),
	})
	r.summary.Entries = append(r.summary.Entries, schemaverify.MeasurementEntry{Label: label, Type: entry.Type})
}

func (r *run) reserveSlot(entryType string) bool {
	switch entryType {
	case schemaverify.TypeDocsisExpert:
		if r.summary.Found.Docsis >= r.summary.Expected.Docsis {
			return false
		}
		r.summary.Found.Docsis++
	case schemaverify.TypeChannelExpert:
		if r.summary.Found.Channel >= r.summary.Expected.Channel {
			return false
		}
		r.summary.Found.Channel++
	default:
		return false
	}
	return true
}

func (r *run) isDiscarded(label string) bool {
	if len(r.discarded) == 0 {
		return false
	}
	if r.discarded[label] {
		return true
	}
	base := path.Base(label)
	if r.discarded[base] {
		return true
	}
	if original, ok := originalMemberLabel(base); ok {
		if r.discarded[original] || r.discarded[strings.TrimSuffix(original, ".json")] {
			return true
		}
	}
	return false
}

func (r *run) infersSwitchPosition() bool {
	return r.request.AssetClass == rules.AssetAmplifier || r.request.Context == ContextModule
}

func (r *run) validate(ctx context.Context) error {
	inferrer := switchpos.NewInferrer(r.engine.store, r.request.AssetID)
	for _, item := range r.accepted {
		if err := ctx.Err(); err != nil {
			return err
		}
		input := rules.Input{
			AssetClass: r.request.AssetClass,
			Context:    r.request.Context,
			Band:       r.summary.Band,
			Targets:    r.request.Targets,
			Wavelength: r.request.Wavelength,
		}
		guessed := false
		if item.entry.Type == schemaverify.TypeChannelExpert && r.infersSwitchPosition() {
			inference, err := inferrer.Infer(ctx, item.sourceLabel)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				r.logger.Warn("switch position unavailable", zap.String("label", item.entry.Label), zap.Error(err))
			} else {
				input.SwitchPosition = inference.Position
				guessed = inference.Approximate
				if guessed {
					r.logger.Info("switch position guessed from capture order",
						zap.String("label", item.entry.Label),
						zap.String("position", string(inference.Position)),
					)
				}
			}
		}

		outcome := r.engine.validator.Validate(item.entry, input)
		measurement := outcome.Entry
		measurement.Identity = item.identity
		measurement.FromContainer = item.fromContainer
		measurement.SwitchGuessed = guessed
		if item.entry.Geo.Status == geo.StatusValid && item.entry.Geo.Point != nil {
			point := *item.entry.Geo.Point
			measurement.GeoLocation = &point
		}
		r.summary.Entries[item.index] = measurement
		r.summary.Issues = append(r.summary.Issues, outcome.Issues...)
	}
	return nil
}

func (r *run) aggregate() {
	requireLocation := r.engine.config.RequireLocation()
	var points []schemaverify.GeoPoint
	for _, item := range r.accepted {
		status := item.entry.Geo.Status
		if status == geo.StatusValid && item.entry.Geo.Point != nil {
			points = append(points, *item.entry.Geo.Point)
			continue
		}
		if status == geo.StatusMissing && !requireLocation {
			continue
		}
		if issue, ok := geo.Issue(status, item.entry.Label); ok {
			r.summary.GeoIssues = append(r.summary.GeoIssues, issue)
		}
	}
	points = append(points, r.request.ExtraPoints...)

	result := geo.Aggregate(points, requireLocation && len(r.accepted) > 0, r.engine.config.Geo.CellMeters)
	r.summary.GeoLocation = result.Representative
	r.summary.GeoDisagreement = result.Disagreement
	if result.Missing {
		r.summary.GeoIssues = append(r.summary.GeoIssues, schemaverify.Issue{
			Code:    geo.IssueCode,
			Message: "no valid geolocation among the accepted measurements",
		})
	}
	if result.Disagreement {
		r.summary.GeoIssues = append(r.summary.GeoIssues, schemaverify.Issue{
			Code:    geo.IssueCode,
			Message: fmt.Sprintf("measurement locations disagree across %d clusters; the largest was used", result.Clusters),
		})
	}
}

// planLooseRemovals drops loose files that only held duplicate or surplus
// captures.
func (r *run) planLooseRemovals(files []*sourceFile) {
	for _, file := range files {
		if file.container || !file.rejected || len(file.keep) > 0 {
			continue
		}
		r.scheduleRemoval(file.path, file.name, "duplicate or surplus capture")
	}
}

// consumeContainers writes the kept members of every fully readable container
// next to it and removes the container. A container with any unreadable or
// unparseable node stays in place.
func (r *run) consumeContainers(files []*sourceFile) {
	if !r.engine.config.ExtractContainers() {
		return
	}
	for _, file := range files {
		if !file.container || file.hadFailure {
			continue
		}
		written := true
		for _, candidate := range file.candidates {
			if !file.keep[candidate.Label] {
				continue
			}
			target := filepath.Join(r.folder, materializedName(file.name, candidate.Label))
			if err := fsx.WriteFileAtomic(target, candidate.Data, materializedFileMode); err != nil {
				r.logger.Warn("materialize archive member failed", zap.String("label", candidate.Label), zap.Error(err))
				written = false
				break
			}
		}
		if written {
			r.scheduleRemoval(file.path, file.name, "consumed container")
		}
	}
}

func (r *run) scheduleRemoval(filePath string, name string, reason string) {
	r.removals = append(r.removals, removal{path: filePath, name: name, reason: reason})
}

func (r *run) applyRemovals() {
	for _, pending := range r.removals {
		removed, err := fsx.RemoveBestEffort(pending.path)
		if !removed {
			r.logger.Warn("housekeeping removal failed", zap.String("file", pending.name), zap.String("reason", pending.reason), zap.Error(err))
			continue
		}
		r.logger.Debug("removed file", zap.String("file", pending.name), zap.String("reason", pending.reason))
		r.summary.RemovedFiles = append(r.summary.RemovedFiles, pending.name)
	}
}

func (r *run) finish(now time.Time) {
	summary := &r.summary
	summary.CreatedAt = now.UTC()
	summary.ValidFiles = nonNil(summary.ValidFiles)
	summary.InvalidTypeFiles = nonNil(summary.InvalidTypeFiles)
	summary.ParseErrorFiles = nonNil(summary.ParseErrorFiles)
	summary.DuplicateFiles = nonNil(summary.DuplicateFiles)
	summary.DuplicateEntries = nonNil(summary.DuplicateEntries)
	summary.SurplusLabels = nonNil(summary.SurplusLabels)
	summary.DiscardedLabels = nonNil(summary.DiscardedLabels)
	summary.RemovedFiles = nonNil(summary.RemovedFiles)
	if summary.Entries == nil {
		summary.Entries = []schemaverify.MeasurementEntry{}
	}
	if summary.Issues == nil {
		summary.Issues = []schemaverify.Issue{}
	}
	if summary.GeoIssues == nil {
		summary.GeoIssues = []schemaverify.Issue{}
	}
	summary.ObservationCount = len(summary.Issues) + len(summary.GeoIssues)
}

// materializedName flattens an archive member label into a loose file name:
// unpacked__<container>__<member path with "/" as "__">.
func materializedName(container string, label string) string {
	member := path.Base(label)
	if strings.HasPrefix(label, container+"/") {
		member = strings.TrimPrefix(label, container+"/")
	}
	member = strings.NewReplacer("/", "__", `\`, "__").Replace(member)
	name := MaterializedPrefix + container + "__" + member
	if !strings.HasSuffix(strings.ToLower(name), ".json") {
		name += ".json"
	}
	return name
}

// sourceLabel names a capture the same way whether it is still inside its
// container or was materialized by an earlier run, so positions stored under
// it survive container consumption.
func sourceLabel(file *sourceFile, label string) string {
	name := path.Base(label)
	if file.container {
		name = materializedName(file.name, label)
	}
	if original, ok := originalMemberLabel(name); ok {
		return original
	}
	return label
}

func originalMemberLabel(name string) (string, bool) {
	if !strings.HasPrefix(name, MaterializedPrefix) {
		return "", false
	}
	return strings.ReplaceAll(strings.TrimPrefix(name, MaterializedPrefix), "__", "/"), true
}

func appendUnique(values []string, value string) []string {
	for _, existing := range values {
		if existing == value {
			return values
		}
	}
	return append(values, value)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
