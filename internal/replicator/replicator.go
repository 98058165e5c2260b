// Package replicator implements the quorum fan-out protocol a primary
// shard uses to propagate a write to its peer replicas (spec.md §4.3).
package replicator

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ForwardedHeader carries the originating shard's ID on a replicated
// request, so the receiving replica applies it locally instead of
// re-replicating (spec.md Glossary: "Forwarding marker").
const ForwardedHeader = "X-Forwarded-By"

// Op is the mutation being replicated.
type Op struct {
	Method      string // "PUT" or "DELETE"
	Key         string
	Body        []byte
	ContentType string
}

// Result is the outcome reported to the client: ok reflects whether the
// acknowledgement count reached quorum, not whether every replica
// succeeded.
type Result struct {
	OK     bool
	Acks   int
	Quorum int
}

// Config configures a shard's Replicator.
type Config struct {
	// Replicas is the ordered list of peer base URLs. May be empty.
	Replicas []string
	// Quorum is the number of acknowledgements required, primary
	// included.
	Quorum int
	// ShardID identifies this shard in the forwarding marker, breaking
	// replication cycles.
	ShardID string
	// ForwardTimeout bounds each outbound forward so a hung replica
	// cannot stall the caller indefinitely (spec.md §5 "Timeouts").
	// Defaults to 3s.
	ForwardTimeout time.Duration
	// HTTPClient is the client used for forwards; defaults to
	// http.DefaultClient. Exposed for tests to inject a stub transport.
	HTTPClient *http.Client
	// Logger receives per-forward success/failure events.
	Logger *zap.Logger
}

// Replicator fans a write out to peer replicas, cancels the remaining
// forwards once quorum is reached, and reports after all forwards have
// settled.
type Replicator struct {
	replicas       []string
	quorum         int
	shardID        string
	forwardTimeout time.Duration
	client         *http.Client
	logger         *zap.Logger
}

// New builds a Replicator from cfg, applying defaults.
func New(cfg Config) *Replicator {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.ForwardTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replicator{
		replicas:       cfg.Replicas,
		quorum:         cfg.Quorum,
		shardID:        cfg.ShardID,
		forwardTimeout: timeout,
		client:         client,
		logger:         logger,
	}
}

// IsForwarded reports whether an incoming request carries this shard's
// (or any shard's) forwarding marker — i.e. it is a replica apply, not
// an originating client write.
func IsForwarded(header http.Header) bool {
	return header.Get(ForwardedHeader) != ""
}

// Replicate forwards op to every configured replica concurrently. Once
// the acknowledgement count (primary apply included) reaches
// min(quorum, len(replicas)+1) it cancels the forwards still in flight;
// in every case it returns only after all forwards have settled. The primary's
// own local apply is assumed to have already happened and always counts
// as the first ack (spec.md §4.3 step 1).
func (r *Replicator) Replicate(ctx context.Context, op Op) Result {
	required := r.quorum
	if max := len(r.replicas) + 1; required > max {
		required = max
	}

	if len(r.replicas) == 0 {
		return Result{OK: 1 >= r.quorum, Acks: 1, Quorum: r.quorum}
	}

	var (
		mu   sync.Mutex
		acks = 1 // the primary's own local apply
	)
	quorumReached := make(chan struct{})
	var closeOnce sync.Once
	signalIfQuorum := func() {
		mu.Lock()
		reached := acks >= required
		mu.Unlock()
		if reached {
			closeOnce.Do(func() { close(quorumReached) })
		}
	}
	signalIfQuorum() // covers the degenerate case required <= 1

	fanoutCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(fanoutCtx)
	for _, replica := range r.replicas {
		replica := replica
		g.Go(func() error {
			if r.forward(gctx, replica, op) {
				mu.Lock()
				acks++
				mu.Unlock()
				signalIfQuorum()
			}
			return nil
		})
	}

	allSettled := make(chan struct{})
	go func() {
		g.Wait()
		close(allSettled)
	}()

	select {
	case <-quorumReached:
		cancel() // best-effort: in-flight forwards that already applied keep their write
	case <-allSettled:
	}
	<-allSettled

	mu.Lock()
	finalAcks := acks
	mu.Unlock()

	return Result{OK: finalAcks >= r.quorum, Acks: finalAcks, Quorum: r.quorum}
}

// forward issues one replicated request to a peer and reports whether it
// was acknowledged (2xx response, no transport error).
func (r *Replicator) forward(ctx context.Context, baseURL string, op Op) bool {
	ctx, cancel := context.WithTimeout(ctx, r.forwardTimeout)
	defer cancel()

	u, err := url.Parse(baseURL)
	if err != nil {
		r.logger.Error("replicator: invalid replica url", zap.String("replica", baseURL), zap.Error(err))
		return false
	}
	u.Path = "/kv"
	q := u.Query()
	q.Set("key", op.Key)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, op.Method, u.String(), bytes.NewReader(op.Body))
	if err != nil {
		r.logger.Error("replicator: build request failed", zap.String("replica", baseURL), zap.Error(err))
		return false
	}
	if op.ContentType != "" {
		req.Header.Set("Content-Type", op.ContentType)
	}
	req.Header.Set(ForwardedHeader, r.shardID)

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("replicator: forward failed", zap.String("replica", baseURL), zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		r.logger.Warn("replicator: replica rejected forward",
			zap.String("replica", baseURL), zap.Int("status", resp.StatusCode))
	}
	return ok
}
