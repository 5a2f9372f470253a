package backup

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"mssql-recovery/internal/logging"
)

// RetentionPolicy decides which shipped backup chains are kept. A chain is a
// full backup plus the differential and log backups taken after it.
type RetentionPolicy struct {
	// KeepChains is the number of newest chains always kept. Values below 1 keep one.
	KeepChains int `yaml:"keep_chains" mapstructure:"keep_chains"`
	// MaxAge also keeps any chain with an artifact newer than this. Zero disables it.
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age"`
}

// DefaultKeepChains is used when no policy is configured
const DefaultKeepChains = 2

// Validate checks the policy values
func (p RetentionPolicy) Validate() error {
	var errs ValidationErrors
	if p.KeepChains < 0 {
		errs.Add("retention.keep_chains", "must not be negative", p.KeepChains)
	}
	if p.MaxAge < 0 {
		errs.Add("retention.max_age", "must not be negative", p.MaxAge)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ShippedArtifact is one artifact found in the store
type ShippedArtifact struct {
	Key        string       `json:"key"`
	SidecarKey string       `json:"sidecar_key,omitempty"`
	Type       ArtifactType `json:"-"`
	TypeName   string       `json:"type"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Chain groups a full backup with the artifacts that depend on it. Base is
// nil for artifacts shipped before any full backup.
type Chain struct {
	Base      *ShippedArtifact
	Artifacts []*ShippedArtifact
}

// Newest returns the creation time of the chain's latest artifact
func (c *Chain) Newest() time.Time {
	var newest time.Time
	for _, a := range c.Artifacts {
		if a.CreatedAt.After(newest) {
			newest = a.CreatedAt
		}
	}
	return newest
}

// RetentionPlan is the outcome of evaluating a policy against one database
type RetentionPlan struct {
	Database string
	Keep     []*Chain
	Delete   []*Chain
	// Unclassified artifacts have no readable sidecar and are never deleted.
	Unclassified []string
}

// DeleteCount is the number of artifacts the plan removes
func (p *RetentionPlan) DeleteCount() int {
	n := 0
	for _, c := range p.Delete {
		n += len(c.Artifacts)
	}
	return n
}

// RetentionResult reports an applied plan
type RetentionResult struct {
	Plan        *RetentionPlan
	DeletedKeys []string
	Errors      []string
	DryRun      bool
	Duration    time.Duration
}

// RetentionManager prunes shipped artifacts chain by chain so that every kept
// differential or log backup keeps its full backup.
type RetentionManager struct {
	store    ArtifactStore
	recorder *MetadataRecorder
	policy   RetentionPolicy
	logger   *logging.Logger
	now      func() time.Time
}

// NewRetentionManager creates a manager over store
func NewRetentionManager(store ArtifactStore, recorder *MetadataRecorder, policy RetentionPolicy, logger *logging.Logger) *RetentionManager {
	if recorder == nil {
		recorder = NewMetadataRecorder()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if policy.KeepChains < 1 {
		policy.KeepChains = 1
	}
	return &RetentionManager{
		store:    store,
		recorder: recorder,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
}

// Inventory lists the artifacts shipped for database, oldest first, and the
// keys whose type could not be read
func (rm *RetentionManager) Inventory(ctx context.Context, database string) ([]*ShippedArtifact, []string, error) {
	if rm.store == nil {
		return nil, nil, NewConfigurationError("no artifact store is configured", nil)
	}
	keys, err := rm.store.List(ctx, database+"/")
	if err != nil {
		return nil, nil, NewStorageError(fmt.Sprintf("failed to list artifacts of %s", database), err)
	}

	sidecars := make(map[string]bool)
	var artifacts []string
	for _, key := range keys {
		if strings.HasSuffix(key, rm.recorder.Suffix()) {
			sidecars[key] = true
		} else {
			artifacts = append(artifacts, key)
		}
	}

	tmp, err := os.MkdirTemp("", "retention-*")
	if err != nil {
		return nil, nil, NewStorageError("failed to create working directory", err)
	}
	defer os.RemoveAll(tmp)

	var found []*ShippedArtifact
	var unclassified []string
	for _, key := range artifacts {
		if err := ctx.Err(); err != nil {
			return nil, nil, NewCancellationError("inventory canceled", err)
		}
		sidecarKey := rm.recorder.SidecarPath(ArtifactBase(key))
		if !sidecars[sidecarKey] {
			unclassified = append(unclassified, key)
			continue
		}
		meta, err := rm.readSidecar(ctx, sidecarKey, tmp)
		if err != nil || meta.ArtifactType() == ArtifactUnknown {
			rm.logger.WithField("key", key).Warn("Shipped artifact has unreadable metadata")
			unclassified = append(unclassified, key)
			continue
		}
		found = append(found, &ShippedArtifact{
			Key:        key,
			SidecarKey: sidecarKey,
			Type:       meta.ArtifactType(),
			TypeName:   meta.ArtifactType().String(),
			CreatedAt:  meta.CreatedAt,
		})
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].CreatedAt.Equal(found[j].CreatedAt) {
			return found[i].Type.Priority() < found[j].Type.Priority()
		}
		return found[i].CreatedAt.Before(found[j].CreatedAt)
	})
	return found, unclassified, nil
}

func (rm *RetentionManager) readSidecar(ctx context.Context, key, dir string) (*ArtifactMetadata, error) {
	artifact := filepath.Join(dir, strings.TrimSuffix(path.Base(key), rm.recorder.Suffix())+".bak")
	if err := rm.store.Download(ctx, key, rm.recorder.SidecarPath(artifact)); err != nil {
		return nil, err
	}
	return rm.recorder.Read(artifact)
}

// Plan evaluates the policy for database without changing the store
func (rm *RetentionManager) Plan(ctx context.Context, database string) (*RetentionPlan, error) {
	artifacts, unclassified, err := rm.Inventory(ctx, database)
	if err != nil {
		return nil, err
	}

	chains := buildChains(artifacts)
	plan := &RetentionPlan{Database: database, Unclassified: unclassified}

	cutoff := time.Time{}
	if rm.policy.MaxAge > 0 {
		cutoff = rm.now().Add(-rm.policy.MaxAge)
	}
	kept := 0
	for i := len(chains) - 1; i >= 0; i-- {
		c := chains[i]
		switch {
		case c.Base != nil && kept < rm.policy.KeepChains:
			kept++
			plan.Keep = append(plan.Keep, c)
		case !cutoff.IsZero() && c.Newest().After(cutoff):
			plan.Keep = append(plan.Keep, c)
		default:
			plan.Delete = append(plan.Delete, c)
		}
	}
	return plan, nil
}

// buildChains groups artifacts, oldest first, under the preceding full backup
func buildChains(artifacts []*ShippedArtifact) []*Chain {
	var chains []*Chain
	var current *Chain
	for _, a := range artifacts {
		if a.Type == ArtifactFull || current == nil {
			current = &Chain{}
			if a.Type == ArtifactFull {
				current.Base = a
			}
			chains = append(chains, current)
		}
		current.Artifacts = append(current.Artifacts, a)
	}
	return chains
}

// Apply evaluates the policy and, unless dryRun, deletes every artifact and
// sidecar of the chains it drops. Delete failures are collected.
func (rm *RetentionManager) Apply(ctx context.Context, database string, dryRun bool) (*RetentionResult, error) {
	start := rm.now()
	done := rm.logger.LogOperationStart("apply_retention", map[string]interface{}{
		"database": database,
		"dry_run":  dryRun,
	})

	plan, err := rm.Plan(ctx, database)
	if err != nil {
		done(err)
		return nil, err
	}

	result := &RetentionResult{Plan: plan, DryRun: dryRun}
	if !dryRun {
		for _, c := range plan.Delete {
			for _, a := range c.Artifacts {
				for _, key := range []string{a.Key, a.SidecarKey} {
					if err := rm.store.Delete(ctx, key); err != nil {
						result.Errors = append(result.Errors, fmt.Sprintf("failed to delete %s: %v", key, err))
						continue
					}
					result.DeletedKeys = append(result.DeletedKeys, key)
				}
			}
		}
	}
	result.Duration = rm.now().Sub(start)

	rm.logger.WithFields(map[string]interface{}{
		"database":      database,
		"chains_kept":   len(plan.Keep),
		"chains_pruned": len(plan.Delete),
		"artifacts":     plan.DeleteCount(),
		"dry_run":       dryRun,
	}).Info("Retention policy applied")

	if len(result.Errors) > 0 {
		err := NewStorageError(fmt.Sprintf("%d deletes failed", len(result.Errors)), nil)
		done(err)
		return result, err
	}
	done(nil)
	return result, nil
}
