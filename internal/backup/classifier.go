package backup

import (
	"context"
	"path/filepath"
	"strings"

	"mssql-recovery/internal/engine"
	"mssql-recovery/internal/logging"
)

// Classification strategies, in the order they are tried.
const (
	StrategyHeader   = "header"
	StrategyFilename = "filename"
	StrategySidecar  = "sidecar"
	StrategyNone     = "none"
)

// Classifier determines the type of a backup artifact
type Classifier struct {
	recorder *MetadataRecorder
	logger   *logging.Logger
}

// NewClassifier creates a classifier reading sidecars through recorder
// (a default .meta.json recorder when nil)
func NewClassifier(recorder *MetadataRecorder, logger *logging.Logger) *Classifier {
	if recorder == nil {
		recorder = NewMetadataRecorder()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Classifier{recorder: recorder, logger: logger}
}

// Classify returns the artifact type, or ArtifactUnknown when no strategy can
// tell. Callers must treat ArtifactUnknown as a classification failure.
func (c *Classifier) Classify(ctx context.Context, path string, server engine.Server) ArtifactType {
	kind, _ := c.ClassifyWithStrategy(ctx, path, server)
	return kind
}

// ClassifyWithStrategy also reports which strategy produced the answer
func (c *Classifier) ClassifyWithStrategy(ctx context.Context, path string, server engine.Server) (ArtifactType, string) {
	strategies := []struct {
		name string
		fn   func() ArtifactType
	}{
		{StrategyHeader, func() ArtifactType { return c.fromHeader(ctx, path, server) }},
		{StrategyFilename, func() ArtifactType { return ClassifyByFilename(path) }},
		{StrategySidecar, func() ArtifactType { return c.fromSidecar(path) }},
	}

	for _, s := range strategies {
		if kind := s.fn(); kind != ArtifactUnknown {
			c.logger.LogClassification(path, s.name, kind.String())
			return kind, s.name
		}
	}

	c.logger.LogClassification(path, StrategyNone, ArtifactUnknown.String())
	return ArtifactUnknown, StrategyNone
}

func (c *Classifier) fromHeader(ctx context.Context, path string, server engine.Server) ArtifactType {
	if server == nil {
		return ArtifactUnknown
	}
	code, err := server.ReadHeaderType(ctx, path)
	if err != nil {
		c.logger.WithFields(map[string]interface{}{"path": path, "error": err.Error()}).Debug("Header lookup unavailable")
		return ArtifactUnknown
	}
	return ArtifactTypeFromHeaderCode(code)
}

func (c *Classifier) fromSidecar(path string) ArtifactType {
	meta, err := c.recorder.Read(path)
	if err != nil {
		return ArtifactUnknown
	}
	return meta.ArtifactType()
}

// ClassifyByFilename looks for "full", "diff" and "log" in the lowercased base
// name without extension, in that order.
func ClassifyByFilename(path string) ArtifactType {
	base := filepath.Base(path)
	name := strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))

	switch {
	case strings.Contains(name, "full"):
		return ArtifactFull
	case strings.Contains(name, "diff"):
		return ArtifactDifferential
	case strings.Contains(name, "log"):
		return ArtifactTransactionLog
	default:
		return ArtifactUnknown
	}
}
