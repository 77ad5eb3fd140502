package switchpos

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
)

// Position is the amplifier port a capture was taken at.
type Position string

const (
	PositionMain  Position = "MAIN"
	PositionAux   Position = "AUX"
	PositionAuxDC Position = "AUXDC"
	PositionIn    Position = "IN"
)

// Parse accepts the canonical names in any case.
func Parse(raw string) (Position, bool) {
	switch Position(strings.ToUpper(strings.TrimSpace(raw))) {
	case PositionMain:
		return PositionMain, true
	case PositionAux:
		return PositionAux, true
	case PositionAuxDC:
		return PositionAuxDC, true
	case PositionIn:
		return PositionIn, true
	default:
		return "", false
	}
}

// TargetAdjustment is the dB offset applied to amplifier target levels.
func TargetAdjustment(position Position) float64 {
	switch position {
	case PositionAux:
		return -3
	case PositionAuxDC:
		return -10
	default:
		return 0
	}
}

// EffectiveTolerance caps a rule tolerance by the ceiling of the port.
func EffectiveTolerance(position Position, ruleTolerance float64) float64 {
	var ceiling float64
	switch position {
	case PositionAux:
		ceiling = 8
	case PositionAuxDC:
		ceiling = 12
	default:
		return ruleTolerance
	}
	if ruleTolerance < ceiling {
		return ruleTolerance
	}
	return ceiling
}

// Store remembers the position chosen for a capture label of an asset.
type Store interface {
	Get(ctx context.Context, assetID string, label string) (Position, bool, error)
	Set(ctx context.Context, assetID string, label string, position Position) error
}

type memoryKey struct {
	assetID string
	label   string
}

type MemoryStore struct {
	mu        sync.Mutex
	positions map[memoryKey]Position
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: map[memoryKey]Position{}}
}

func (s *MemoryStore) Get(_ context.Context, assetID string, label string) (Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	position, ok := s.positions[memoryKey{assetID: assetID, label: label}]
	return position, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, assetID string, label string, position Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[memoryKey{assetID: assetID, label: label}] = position
	return nil
}

type Source string

const (
	SourceFilename Source = "filename"
	SourceStored   Source = "stored"
	SourceSequence Source = "sequence"
)

type Inference struct {
	Position    Position
	Source      Source
	Approximate bool
}

// Inferrer assigns positions to the captures of one asset in processing
// order. It is not safe for concurrent use.
type Inferrer struct {
	store    Store
	assetID  string
	sequence int
}

func NewInferrer(store Store, assetID string) *Inferrer {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Inferrer{store: store, assetID: assetID}
}

// Infer tries the file name, then the stored preference, then falls back to
// processing order (first MAIN, second IN, the rest AUX). A sequence guess is
// written back to the store and flagged approximate.
func (i *Inferrer) Infer(ctx context.Context, label string) (Inference, error) {
	index := i.sequence
	i.sequence++

	if position, ok := FromFilename(label); ok {
		return Inference{Position: position, Source: SourceFilename}, nil
	}
	stored, ok, err := i.store.Get(ctx, i.assetID, label)
	if err != nil {
		return Inference{}, fmt.Errorf("read switch position for %s: %w", label, err)
	}
	if ok {
		return Inference{Position: stored, Source: SourceStored}, nil
	}

	position := PositionAux
	switch index {
	case 0:
		position = PositionMain
	case 1:
		position = PositionIn
	}
	if err := i.store.Set(ctx, i.assetID, label, position); err != nil {
		return Inference{}, fmt.Errorf("store switch position for %s: %w", label, err)
	}
	return Inference{Position: position, Source: SourceSequence, Approximate: true}, nil
}

// FromFilename recognises port names in the base name of label.
func FromFilename(label string) (Position, bool) {
	base := strings.ToLower(path.Base(strings.ReplaceAll(label, `\`, "/")))
	tokens := strings.FieldsFunc(base, func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9')
	})
	for _, token := range tokens {
		if strings.HasPrefix(token, "auxdc") {
			return PositionAuxDC, true
		}
	}
	for _, token := range tokens {
		if strings.HasPrefix(token, "aux") {
			return PositionAux, true
		}
	}
	for _, token := range tokens {
		switch token {
		case "in", "input", "entrada":
			return PositionIn, true
		}
	}
	for _, token := range tokens {
		switch token {
		case "main", "principal":
			return PositionMain, true
		}
	}
	return "", false
}
