package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/docker/model-store/pkg/distribution/download"
	"github.com/docker/model-store/pkg/distribution/internal/progress"
	"github.com/docker/model-store/pkg/distribution/metrics"
	"github.com/docker/model-store/pkg/distribution/transport"
	"github.com/docker/model-store/pkg/distribution/types"
)

// Hook points of a pull, in order.
const (
	hookFetched         = "fetched"
	hookVerified        = "verified"
	hookBlobsPlaced     = "blobs-placed"
	hookSnapshotWritten = "snapshot-written"
)

// PullOptions tunes a single pull.
type PullOptions struct {
	// Progress receives per-object updates. May be nil.
	Progress chan<- progress.Update
	// Concurrency overrides the store's fetch concurrency when positive.
	Concurrency int
}

// PullResult describes a published pull.
type PullResult struct {
	// ID identifies the pull in logs.
	ID        string
	Reference *Reference
	Snapshot  *Snapshot
	// Fetched counts objects that were downloaded.
	Fetched int
	// Deduplicated counts objects already present in the pool.
	Deduplicated int
	// BytesDownloaded counts bytes received over the network or read from
	// file locators during this pull.
	BytesDownloaded int64
}

// pullObject tracks one remote object through the state machine.
type pullObject struct {
	remote transport.RemoteObject
	// key is the digest the object is stored under, when known before fetching.
	key     digest.Digest
	dedup   bool
	size    int64
	staged  string
	lock    *fileLock
	fetched download.Result
	// leader is the object sharing this one's staging path that fetches
	// the content for both.
	leader *pullObject
}

type pull struct {
	s      *LocalStore
	id     string
	tr     transport.Transport
	ref    transport.Reference
	opts   PullOptions
	log    *logrus.Entry
	stage  types.Stage
	model  string
	rm     *transport.ResolvedModel
	ms     *modelStore
	prior  *Snapshot
	objs   []*pullObject
	result *PullResult
}

// Pull resolves ref with tr, downloads what the pool lacks and publishes a
// new snapshot. The reference is only replaced once every blob and the
// snapshot are durable, so a failed pull leaves the previous state intact.
// Every error is a *types.PullError naming the failing stage.
func (s *LocalStore) Pull(ctx context.Context, tr transport.Transport, ref transport.Reference, opts PullOptions) (*PullResult, error) {
	start := time.Now()
	p := &pull{
		s:     s,
		id:    uuid.NewString(),
		tr:    tr,
		ref:   ref,
		opts:  opts,
		model: ref.String(),
	}
	p.log = s.log.WithFields(logrus.Fields{"pull": p.id, "model": p.model})
	res, err := p.run(ctx)
	p.releasePartials()
	if err != nil {
		s.metrics.PullFinished(string(tr.Kind()), metrics.OutcomeFailure, start)
		p.log.WithError(err).WithField("stage", p.stage).Warn("Pull failed")
		return nil, &types.PullError{Model: p.model, Stage: p.stage, Err: err}
	}
	s.metrics.PullFinished(string(tr.Kind()), metrics.OutcomeSuccess, start)
	p.log.WithFields(logrus.Fields{
		"snapshot":     res.Snapshot.ID,
		"fetched":      res.Fetched,
		"deduplicated": res.Deduplicated,
		"bytes":        res.BytesDownloaded,
	}).Info("Pull finished")
	return res, nil
}

func (p *pull) enter(stage types.Stage) {
	p.stage = stage
	p.log.WithField("stage", stage).Debug("Entering stage")
}

func (p *pull) hook(point string) error {
	if p.s.hook == nil {
		return nil
	}
	return p.s.hook(point)
}

func (p *pull) run(ctx context.Context) (*PullResult, error) {
	p.enter(types.StageResolving)
	rm, err := p.tr.Resolve(ctx, p.ref)
	if err != nil {
		return nil, err
	}
	p.model = rm.CanonicalName
	p.log = p.log.WithField("model", p.model)

	p.enter(types.StageDiffing)
	ms := p.s.modelStore(rm.StoreName)
	lock, waited, err := acquireLock(ctx, ms.lockPath(rm.RefName), true, p.s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()
	if waited {
		// Another pull held the lock. Upstream may have moved meanwhile.
		p.enter(types.StageResolving)
		again, err := p.tr.Resolve(ctx, p.ref)
		if err != nil {
			return nil, err
		}
		if again.StoreName != rm.StoreName || again.RefName != rm.RefName {
			return nil, fmt.Errorf("reference moved from %s/%s to %s/%s while waiting for lock",
				rm.StoreName, rm.RefName, again.StoreName, again.RefName)
		}
		rm = again
		p.enter(types.StageDiffing)
	}
	p.rm, p.ms = rm, ms
	p.result = &PullResult{ID: p.id}

	if err := p.diff(ctx); err != nil {
		return nil, err
	}
	p.enter(types.StageFetching)
	if err := p.fetch(ctx); err != nil {
		return nil, err
	}
	if err := p.hook(hookFetched); err != nil {
		return nil, err
	}
	p.enter(types.StageVerifying)
	if err := p.verify(); err != nil {
		return nil, err
	}
	if err := p.hook(hookVerified); err != nil {
		return nil, err
	}
	p.enter(types.StagePublishing)
	if err := p.publish(ctx); err != nil {
		return nil, err
	}
	p.enter(types.StageDone)
	return p.result, nil
}

// diff decides per object whether the pool already holds its content.
func (p *pull) diff(ctx context.Context) error {
	prev, err := p.ms.loadRefLocked(p.rm.RefName)
	if err != nil {
		p.log.WithError(err).Warn("Ignoring unreadable previous reference")
	} else if prev != nil {
		if p.prior, err = p.ms.loadSnapshot(prev.Snapshot); err != nil {
			p.log.WithError(err).Warn("Ignoring unreadable previous snapshot")
		}
	}

	gc, _, err := acquireLock(ctx, p.s.gcLockPath(), false, p.s.lockTimeout)
	if err != nil {
		return err
	}
	defer gc.Unlock()

	seen := map[string]bool{}
	for _, ro := range p.rm.Objects {
		if err := transport.ValidateRelativePath(ro.RelativePath); err != nil {
			return err
		}
		if seen[ro.RelativePath] {
			return fmt.Errorf("duplicate object path %s", ro.RelativePath)
		}
		seen[ro.RelativePath] = true

		o := &pullObject{remote: ro, key: ro.ExpectedDigest}
		if o.key == "" {
			o.key = p.priorDigest(ro)
		}
		if o.key != "" {
			ok, size, err := p.s.hasBlob(o.key)
			if err != nil {
				return err
			}
			if ok {
				p.markDedup(o, size)
			}
		}
		p.objs = append(p.objs, o)
	}
	return nil
}

// priorDigest returns the digest the previous snapshot of this reference
// recorded for an object whose remote publishes none. It is trusted only
// when the size hint does not contradict it.
func (p *pull) priorDigest(ro transport.RemoteObject) digest.Digest {
	if p.prior == nil || p.prior.Reference != p.rm.CanonicalName {
		return ""
	}
	for _, f := range p.prior.Files {
		if f.Path == ro.RelativePath && (ro.SizeHint == 0 || ro.SizeHint == f.Size) {
			return f.Digest
		}
	}
	return ""
}

func (p *pull) markDedup(o *pullObject, size int64) {
	o.dedup = true
	o.size = size
	p.s.metrics.DedupHit(size)
	progress.Send(p.opts.Progress, progress.Update{ID: o.remote.RelativePath, Complete: size, Total: size})
	p.log.WithFields(logrus.Fields{"path": o.remote.RelativePath, "digest": o.key}).Debug("Blob already present")
}

// stagingPath is where an object is downloaded. Paths are stable across
// pulls so an interrupted download resumes.
func (p *pull) stagingPath(o *pullObject) string {
	name := "loc-" + digest.FromString(o.remote.Locator).Encoded()
	if d := o.remote.ExpectedDigest; d != "" {
		name = snapshotFileName(d)
	}
	return filepath.Join(p.s.partialDir(), name)
}

func (p *pull) fetch(ctx context.Context) error {
	limit := p.opts.Concurrency
	if limit <= 0 {
		limit = p.s.concurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	leaders := map[string]*pullObject{}
	for _, o := range p.objs {
		if o.dedup {
			continue
		}
		if l, ok := leaders[p.stagingPath(o)]; ok {
			o.leader = l
			continue
		}
		leaders[p.stagingPath(o)] = o
		g.Go(func() error {
			return p.fetchOne(gctx, o)
		})
	}
	return g.Wait()
}

func (p *pull) fetchOne(ctx context.Context, o *pullObject) error {
	o.staged = p.stagingPath(o)
	lock, _, err := acquireLock(ctx, o.staged+lockSuffix, true, 0)
	if err != nil {
		return err
	}
	o.lock = lock
	// A concurrent pull may have published this digest while we waited.
	if d := o.remote.ExpectedDigest; d != "" {
		if ok, size, err := p.s.hasBlob(d); err != nil {
			return err
		} else if ok {
			p.markDedup(o, size)
			return nil
		}
	}

	res, err := p.s.engine.Fetch(ctx, download.Request{
		ID:             o.remote.RelativePath,
		Locator:        o.remote.Locator,
		Dest:           o.staged,
		ExpectedSize:   o.remote.SizeHint,
		ExpectedDigest: o.remote.ExpectedDigest,
		Header:         o.remote.Header,
		Transport:      p.rm.Transport,
		Progress:       p.opts.Progress,
	})
	if err != nil {
		return err
	}
	o.fetched = res
	return nil
}

// verify checks every downloaded object against its expected digest. A
// mismatching download is discarded so it is never resumed or published.
func (p *pull) verify() error {
	for _, o := range p.objs {
		if o.dedup {
			p.result.Deduplicated++
			continue
		}
		if o.leader != nil {
			continue
		}
		p.result.Fetched++
		p.result.BytesDownloaded += o.fetched.Transferred
		if exp := o.remote.ExpectedDigest; exp != "" && o.fetched.Digest != exp {
			if err := os.Remove(o.staged); err != nil && !errors.Is(err, os.ErrNotExist) {
				p.log.WithError(err).Warn("Failed to discard corrupt download")
			}
			return &types.IntegrityError{Path: o.remote.RelativePath, Expected: exp, Actual: o.fetched.Digest}
		}
		o.key = o.fetched.Digest
		o.size = o.fetched.Size
	}
	for _, o := range p.objs {
		if l := o.leader; l != nil {
			o.dedup, o.key, o.size = l.dedup, l.key, l.size
		}
	}
	return nil
}

// publish places blobs, writes the snapshot and finally swaps the reference.
func (p *pull) publish(ctx context.Context) error {
	gc, _, err := acquireLock(ctx, p.s.gcLockPath(), false, p.s.lockTimeout)
	if err != nil {
		return err
	}
	defer gc.Unlock()

	files := make([]SnapshotFile, 0, len(p.objs))
	for _, o := range p.objs {
		switch {
		case o.leader != nil:
		case o.dedup:
			// A sweep may have run between deduplication and now.
			if ok, _, err := p.s.hasBlob(o.key); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("blob %s for %s was removed during the pull", o.key, o.remote.RelativePath)
			}
		default:
			if _, err := p.s.placeBlob(o.staged, o.key); err != nil {
				return fmt.Errorf("placing %s: %w", o.remote.RelativePath, err)
			}
		}
		files = append(files, SnapshotFile{
			Digest:    o.key,
			Path:      o.remote.RelativePath,
			Size:      o.size,
			MediaType: o.remote.MediaType,
		})
	}
	if err := p.hook(hookBlobsPlaced); err != nil {
		return err
	}

	now := p.s.now()
	snap, err := NewSnapshot(p.rm.CanonicalName, string(p.rm.Kind), files, p.rm.Metadata, now)
	if err != nil {
		return fmt.Errorf("building snapshot: %w", err)
	}
	if _, err := p.s.writeSnapshot(p.ms.snapshotsDir(), snap); err != nil {
		return err
	}
	if err := p.hook(hookSnapshotWritten); err != nil {
		return err
	}

	ref := &Reference{
		Version:   ReferenceVersion,
		Name:      p.rm.CanonicalName,
		Snapshot:  snap.ID,
		Transport: string(p.rm.Kind),
		Size:      snap.Size(),
		Modified:  now.UTC(),
	}
	if err := SaveReference(ref, p.ms.refPath(p.rm.RefName)); err != nil {
		return err
	}
	p.result.Reference = ref
	p.result.Snapshot = snap
	return nil
}

// releasePartials drops the staging locks. Lock files of published objects
// are removed; partials of failed pulls keep theirs for resumption.
func (p *pull) releasePartials() {
	for _, o := range p.objs {
		if o.lock == nil {
			continue
		}
		if _, err := os.Stat(o.staged); errors.Is(err, os.ErrNotExist) {
			os.Remove(o.staged + lockSuffix)
		}
		o.lock.Unlock()
	}
}
