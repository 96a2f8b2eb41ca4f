// Package client talks to the HTTP API of a Spindle node.
package client

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"Spindle/internal/api"
)

// Client connects to a node via HTTP.
type Client struct {
	nodeAddr string // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
}

// Location is the answer to a resource lookup.
type Location struct {
	Resource uuid.UUID // Resource is the resource looked up
	Node     uuid.UUID // Node is the publishing node
	Metadata []byte    // Metadata is the publication payload
}

// NewClient creates a client connected to a node. It checks that the node
// answers its health endpoint.
func NewClient(nodeAddr string) (*Client, error) {
	c := &Client{nodeAddr: nodeAddr}

	if err := c.Health(); err != nil {
		return nil, fmt.Errorf("check health:\n%w", err)
	}

	return c, nil
}

// Health checks that the node is up.
func (c *Client) Health() error {
	var resp struct {
		Status string `json:"status"`
	}

	if err := httpGet(c.url("/health"), &resp); err != nil {
		return err
	}

	if resp.Status != "ok" {
		return fmt.Errorf("unhealthy node: %q", resp.Status)
	}

	return nil
}

// Status returns the overlay state of the node.
func (c *Client) Status() (api.Status, error) {
	var status api.Status
	err := httpGet(c.url("/status"), &status)

	return status, err
}

// Locate looks a resource up by id or name. It returns false when no node
// publishes it.
func (c *Client) Locate(resource string) (Location, bool, error) {
	var resp struct {
		Resource string `json:"resource"`
		Node     string `json:"node"`
		Metadata []byte `json:"metadata"`
	}

	err := httpGet(c.url("/resources/"+url.PathEscape(resource)), &resp)

	var status *StatusError
	if errors.As(err, &status) && status.Code == http.StatusNotFound {
		return Location{}, false, nil
	}

	if err != nil {
		return Location{}, false, err
	}

	return parseLocation(resp.Resource, resp.Node, resp.Metadata)
}

// parseLocation converts a lookup answer.
func parseLocation(resource, node string, metadata []byte) (Location, bool, error) {
	rid, err := uuid.Parse(resource)
	if err != nil {
		return Location{}, false, fmt.Errorf("invalid resource id %q:\n%w", resource, err)
	}

	nid, err := uuid.Parse(node)
	if err != nil {
		return Location{}, false, fmt.Errorf("invalid node id %q:\n%w", node, err)
	}

	return Location{Resource: rid, Node: nid, Metadata: metadata}, true, nil
}

// Publish announces a resource at the node with the given metadata.
func (c *Client) Publish(resource string, metadata []byte) error {
	return do(http.MethodPut, c.url("/resources/"+url.PathEscape(resource)), metadata, nil, http.StatusOK)
}

// Unpublish withdraws a resource published at the node.
func (c *Client) Unpublish(resource string) error {
	return do(http.MethodDelete, c.url("/resources/"+url.PathEscape(resource)), nil, nil, http.StatusOK)
}

// Defer stores body until a node publishes recipient. It returns the
// message id.
func (c *Client) Defer(recipient string, body []byte) (uuid.UUID, error) {
	var resp struct {
		ID string `json:"id"`
	}

	if err := do(http.MethodPost, c.url("/deferred/"+url.PathEscape(recipient)), body, &resp, http.StatusAccepted); err != nil {
		return uuid.Nil, err
	}

	return uuid.Parse(resp.ID)
}

func (c *Client) url(path string) string {
	return "http://" + c.nodeAddr + path
}
