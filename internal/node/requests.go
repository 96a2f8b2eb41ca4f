package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"Spindle/internal/resource"
	"Spindle/internal/wire"
)

// withTimeout bounds ctx by the request timeout unless it has a deadline.
func (n *Node) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, n.cfg.Overlay.RequestTimeout)
}

// request originates msg and waits for the response answering it.
func (n *Node) request(ctx context.Context, msg wire.Routed) (wire.Response, error) {
	if n.ctx.Err() != nil {
		return nil, ErrNotStarted
	}

	ttl := pendingTTL
	if deadline, ok := ctx.Deadline(); ok {
		ttl = time.Until(deadline)
	}

	if ttl <= 0 {
		return nil, ErrRequestTimeout
	}

	seq := msg.Head().Seq
	answer := make(chan wire.Response, 1)

	n.pending.DeleteExpired()
	n.pending.Set(seq, answer, ttl)
	defer n.pending.Delete(seq)

	n.proc.Originate(msg)

	select {
	case resp := <-answer:
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s:\n%w", msg.Code(), ErrRequestTimeout)
		}
		return nil, ctx.Err()
	case <-n.ctx.Done():
		return nil, fmt.Errorf("%s:\n%w", msg.Code(), n.ctx.Err())
	}
}

// Locate returns the node publishing rid. It returns false when no node
// publishes it.
func (n *Node) Locate(ctx context.Context, rid uuid.UUID) (resource.Location, bool, error) {
	if cached, ok := n.located.Get(rid); ok {
		if time.Since(cached.at) < locateTTL {
			return cached.loc, true, nil
		}
		n.located.Remove(rid)
	}

	ctx, cancel := n.withTimeout(ctx)
	defer cancel()

	resp, err := n.request(ctx, &wire.LocateResource{Header: n.proc.Header(), Resource: rid})
	if err != nil {
		return resource.Location{}, false, fmt.Errorf("locate %s:\n%w", rid, err)
	}

	switch r := resp.(type) {
	case *wire.FoundLocateResourceResponse:
		loc := resource.Location{Node: r.Location, Metadata: r.Metadata}
		n.located.Add(rid, cachedLocation{loc: loc, at: time.Now()})
		return loc, true, nil
	case *wire.NotFoundLocateResourceResponse:
		return resource.Location{}, false, nil
	default:
		return resource.Location{}, false, fmt.Errorf("locate %s: %s:\n%w", rid, resp.Code(), ErrUnexpectedAnswer)
	}
}

// FetchMetadata asks node for the metadata it publishes rid with. It
// returns false when node does not publish rid.
func (n *Node) FetchMetadata(ctx context.Context, node, rid uuid.UUID) ([]byte, bool, error) {
	ctx, cancel := n.withTimeout(ctx)
	defer cancel()

	resp, err := n.request(ctx, &wire.ResourceMetadata{
		Header:    n.proc.Header(),
		Addressed: wire.Addressed{Target: node},
		Resource:  rid,
	})
	if err != nil {
		return nil, false, fmt.Errorf("fetch metadata of %s:\n%w", rid, err)
	}

	r, ok := resp.(*wire.ResourceMetadataResponse)
	if !ok {
		return nil, false, fmt.Errorf("fetch metadata of %s: %s:\n%w", rid, resp.Code(), ErrUnexpectedAnswer)
	}

	return r.Metadata, r.Found, nil
}

// FindClosest returns the node closest to target and its address.
func (n *Node) FindClosest(ctx context.Context, target uuid.UUID) (uuid.UUID, string, error) {
	ctx, cancel := n.withTimeout(ctx)
	defer cancel()

	resp, err := n.request(ctx, &wire.ClosestNode{Header: n.proc.Header(), Addressed: wire.Addressed{Target: target}})
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("find closest to %s:\n%w", target, err)
	}

	r, ok := resp.(*wire.ClosestNodeResponse)
	if !ok {
		return uuid.Nil, "", fmt.Errorf("find closest to %s: %s:\n%w", target, resp.Code(), ErrUnexpectedAnswer)
	}

	return r.Node, r.Address, nil
}
