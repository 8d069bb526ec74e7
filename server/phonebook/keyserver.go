// Package phonebook contains the directories searched when the user looks for people to
// add as contacts.
package phonebook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/deuxdrop/chat/server/pipeline"
)

// Used when the context carries no deadline.
const defaultTimeout = 5 * time.Second

// Config is one entry of the "phonebook" section of the server config.
type Config struct {
	Name string `json:"name"`
	// Search endpoint. The query is passed as the 'q' parameter.
	URL string `json:"url"`
}

// Keyserver is a directory served over HTTP. The endpoint answers a GET with a JSON
// array of entries.
type Keyserver struct {
	name   string
	url    string
	client *fasthttp.Client
}

// NewKeyserver creates a directory. A nil client means a default one.
func NewKeyserver(conf Config, client *fasthttp.Client) (*Keyserver, error) {
	if conf.Name == "" || conf.URL == "" {
		return nil, errors.New("phonebook: directory name and url are required")
	}
	if _, err := url.Parse(conf.URL); err != nil {
		return nil, err
	}
	if client == nil {
		client = &fasthttp.Client{
			Name:                "deuxdrop-phonebook",
			MaxConnsPerHost:     16,
			MaxResponseBodySize: 1 << 20,
		}
	}
	return &Keyserver{name: conf.Name, url: conf.URL, client: client}, nil
}

// Name implements pipeline.Directory.
func (k *Keyserver) Name() string {
	return k.name
}

// Lookup implements pipeline.Directory.
func (k *Keyserver) Lookup(ctx context.Context, query string) ([]pipeline.PhonebookEntry, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.SetRequestURI(k.url)
	req.URI().QueryArgs().Set("q", query)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	if err := k.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("phonebook: %s answered %d", k.name, resp.StatusCode())
	}

	var entries []pipeline.PhonebookEntry
	if err := json.Unmarshal(resp.Body(), &entries); err != nil {
		return nil, fmt.Errorf("phonebook: %s: %w", k.name, err)
	}
	return entries, nil
}
