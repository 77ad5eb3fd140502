package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	coreerrors "github.com/davidahmann/tapcheck/core/errors"
)

const defaultWatchDebounce = 2 * time.Second

func runWatch(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Re-run verify on a folder whenever its contents change. Runs never overlap.")
	}
	arguments = reorderInterspersedFlags(arguments, verifyValueFlags)
	flagSet := flag.NewFlagSet("watch", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var options verifyOptions
	var debounce time.Duration
	options.register(flagSet)
	flagSet.DurationVar(&debounce, "debounce", defaultWatchDebounce, "quiet period before a re-run")

	if err := flagSet.Parse(arguments); err != nil {
		return writeVerifyOutput(options.jsonOutput, verifyOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if options.helpFlag {
		printWatchUsage()
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

	folders := []string{folder}
	if strings.TrimSpace(options.moduleDir) != "" {
		folders = append(folders, options.moduleDir)
	}
	err = watchFolders(ctx, folders, debounce, session.logger, func(runCtx context.Context) {
		output, err := session.verifyAll(runCtx, folder, options.moduleDir)
		if err != nil {
			if runCtx.Err() != nil {
				return
			}
			writeVerifyOutput(options.jsonOutput, verifyOutput{Folder: folder, errorFields: fieldsForError(err)}, exitCodeForError(err, exitInternalFailure))
			return
		}
		if options.outPath != "" {
			if err := writeSummaryFile(options.outPath, output); err != nil {
				session.logger.Warn("write summary", zap.Error(err))
			}
		}
		writeVerifyOutput(options.jsonOutput, output, exitOK)
	})
	if err != nil {
		return writeVerifyOutput(options.jsonOutput, verifyOutput{Folder: folder, errorFields: fieldsForError(err)}, exitCodeForError(err, exitInternalFailure))
	}
	return exitOK
}

// watchFolders calls onChange once at start and again after every burst of
// changes in any of folders has been quiet for debounce. Calls run on the
// watching goroutine, so they never overlap. It returns nil when ctx is done.
func watchFolders(ctx context.Context, folders []string, debounce time.Duration, logger *zap.Logger, onChange func(context.Context)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return coreerrors.Wrap(fmt.Errorf("create watcher: %w", err), coreerrors.CategoryIOFailure, "watch_unavailable", "", false)
	}
	defer func() {
		_ = watcher.Close()
	}()
	for _, folder := range folders {
		if err := watcher.Add(folder); err != nil {
			return coreerrors.Wrap(fmt.Errorf("watch %s: %w", folder, err), coreerrors.CategoryIOFailure, "folder_unwatchable", "check the folder path and permissions", false)
		}
	}

	onChange(ctx)
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ignoredWatchEvent(event) {
				continue
			}
			logger.Debug("folder changed", zap.String("file", filepath.Base(event.Name)), zap.Stringer("op", event.Op))
			pending = time.After(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", zap.Error(err))
		case <-pending:
			pending = nil
			onChange(ctx)
		}
	}
}

func ignoredWatchEvent(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return true
	}
	name := filepath.Base(event.Name)
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-")
}

func printWatchUsage() {
	fmt.Println("Usage:")
	fmt.Println("  tapcheck watch <folder> --asset-class node|amplifier --frequency <MHz> [verify flags] [--debounce <duration>] [--json]")
}
