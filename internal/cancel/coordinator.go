package cancel

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Strob0t/auditrt/internal/domain"
)

// Callback runs once when its node is cancelled. A returned error or panic
// is logged and reported on Coordinator.Errors.
type Callback func(cause *Error) error

type node struct {
	id       string
	parent   string
	children map[string]struct{}
	token    *Token
	onCancel Callback
}

// Coordinator owns one cancellation forest. All mutations happen under a
// single mutex; callbacks and context releases run after it is dropped but
// before the mutating call returns.
type Coordinator struct {
	mu     sync.Mutex
	nodes  map[string]*node
	logger *slog.Logger
	errs   chan error
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithErrorBuffer sets the capacity of the Errors channel (default 64).
func WithErrorBuffer(n int) Option {
	return func(c *Coordinator) { c.errs = make(chan error, n) }
}

// New creates an empty Coordinator. A nil logger uses slog.Default().
func New(logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		nodes:  make(map[string]*node),
		logger: logger,
		errs:   make(chan error, 64),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Errors reports callback failures. Failures beyond the buffer are dropped
// after being logged.
func (c *Coordinator) Errors() <-chan error { return c.errs }

// Register adds a node under parentID (empty for a root) and returns its
// token. A node registered under a cancelled parent starts cancelled.
func (c *Coordinator) Register(id, parentID string, onCancel Callback) (*Token, error) {
	if id == "" {
		return nil, fmt.Errorf("register: empty id: %w", domain.ErrValidation)
	}

	c.mu.Lock()
	if _, ok := c.nodes[id]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("register %s: %w", id, domain.ErrConflict)
	}
	var parent *node
	if parentID != "" {
		p, ok := c.nodes[parentID]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("register %s: parent %s: %w", id, parentID, domain.ErrNotFound)
		}
		parent = p
	}

	n := &node{id: id, parent: parentID, children: make(map[string]struct{}), token: newToken(id), onCancel: onCancel}
	c.nodes[id] = n
	var fired []*node
	if parent != nil {
		parent.children[id] = struct{}{}
		if parent.token.Cancelled() {
			n.token.mark(&Error{Reason: ReasonParentCancelled, Message: parent.token.Message()})
			fired = append(fired, n)
		}
	}
	c.mu.Unlock()

	c.fire(fired)
	return n.token, nil
}

// Token returns the token registered under id.
func (c *Coordinator) Token(id string) (*Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return nil, false
	}
	return n.token, true
}

// Cancel cancels id and, when propagate is set, every descendant with reason
// parent_cancelled. All affected tokens are cancelled and their callbacks
// have run by the time Cancel returns. Cancelling an already cancelled node
// is a no-op for that node but still reaches uncancelled descendants.
func (c *Coordinator) Cancel(id string, reason Reason, message string, propagate bool) error {
	c.mu.Lock()
	n, ok := c.nodes[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", id, domain.ErrNotFound)
	}
	fired := c.cascadeLocked(n, &Error{Reason: reason, Message: message}, propagate)
	c.mu.Unlock()

	c.logger.Info("cancellation requested", "node_id", id, "reason", reason, "cancelled", len(fired))
	c.fire(fired)
	return nil
}

// CancelAll cancels every root and therefore the whole forest.
func (c *Coordinator) CancelAll(reason Reason, message string) int {
	c.mu.Lock()
	var fired []*node
	cause := &Error{Reason: reason, Message: message}
	for _, n := range c.nodes {
		if n.parent == "" {
			fired = append(fired, c.cascadeLocked(n, cause, true)...)
		}
	}
	c.mu.Unlock()

	c.fire(fired)
	return len(fired)
}

// Unregister cancels any remaining descendants of id, removes them together
// with id and detaches id from its parent. The token of id itself is left as
// it is.
func (c *Coordinator) Unregister(id string) error {
	c.mu.Lock()
	n, ok := c.nodes[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("unregister %s: %w", id, domain.ErrNotFound)
	}

	var fired []*node
	cause := &Error{Reason: ReasonParentCancelled, Message: "parent " + id + " unregistered"}
	for childID := range n.children {
		if child, ok := c.nodes[childID]; ok {
			fired = append(fired, c.cascadeLocked(child, cause, true)...)
		}
	}
	c.removeLocked(n)
	if p, ok := c.nodes[n.parent]; ok {
		delete(p.children, id)
	}
	c.mu.Unlock()

	c.fire(fired)
	return nil
}

// cascadeLocked marks n and, if propagate, its subtree. Returns the nodes
// that changed state, parents before children.
func (c *Coordinator) cascadeLocked(n *node, cause *Error, propagate bool) []*node {
	var fired []*node
	if n.token.mark(cause) {
		fired = append(fired, n)
	}
	if !propagate {
		return fired
	}
	childCause := &Error{Reason: ReasonParentCancelled, Message: cause.Message}
	queue := []*node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for childID := range cur.children {
			child, ok := c.nodes[childID]
			if !ok {
				continue
			}
			if child.token.mark(childCause) {
				fired = append(fired, child)
			}
			queue = append(queue, child)
		}
	}
	return fired
}

func (c *Coordinator) removeLocked(n *node) {
	for childID := range n.children {
		if child, ok := c.nodes[childID]; ok {
			c.removeLocked(child)
		}
	}
	delete(c.nodes, n.id)
}

// fire releases contexts and runs callbacks. Must be called without c.mu.
func (c *Coordinator) fire(nodes []*node) {
	for _, n := range nodes {
		n.token.release()
	}
	for _, n := range nodes {
		if n.onCancel != nil {
			c.runCallback(n)
		}
	}
}

func (c *Coordinator) runCallback(n *node) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		cause, _ := n.token.Err().(*Error)
		err = n.onCancel(cause)
	}()
	if err == nil {
		return
	}
	err = fmt.Errorf("cancel callback %s: %w", n.id, err)
	c.logger.Warn("cancel callback failed", "node_id", n.id, "error", err)
	select {
	case c.errs <- err:
	default:
		c.logger.Warn("cancel error buffer full, dropping", "node_id", n.id)
	}
}

// Node is one entry of Tree.
type Node struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
	Reason    Reason `json:"reason,omitempty"`
	Children  []Node `json:"children,omitempty"`
}

// Tree returns the forest, roots and children sorted by id.
func (c *Coordinator) Tree() []Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	var roots []Node
	for _, n := range c.nodes {
		if n.parent == "" {
			roots = append(roots, c.viewLocked(n))
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })
	return roots
}

func (c *Coordinator) viewLocked(n *node) Node {
	v := Node{ID: n.id, Cancelled: n.token.Cancelled(), Reason: n.token.Reason()}
	for childID := range n.children {
		if child, ok := c.nodes[childID]; ok {
			v.Children = append(v.Children, c.viewLocked(child))
		}
	}
	sort.Slice(v.Children, func(i, j int) bool { return v.Children[i].ID < v.Children[j].ID })
	return v
}

// Stats counts registered nodes.
type Stats struct {
	Registered int `json:"registered"`
	Cancelled  int `json:"cancelled"`
	Roots      int `json:"roots"`
}

// Stats returns current counts.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{Registered: len(c.nodes)}
	for _, n := range c.nodes {
		if n.token.Cancelled() {
			st.Cancelled++
		}
		if n.parent == "" {
			st.Roots++
		}
	}
	return st
}
