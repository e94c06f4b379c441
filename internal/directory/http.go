package directory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/logger"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/validation"
)

const (
	followsPath   = "pub/pubky.app/follows/"
	requestsPath  = "pub/paykit.app/v0/requests/"
	proposalsPath = "pub/paykit.app/v0/subscriptions/proposals/"

	defaultPageSize      = 500
	defaultMaxConcurrent = 10
)

// HTTPDirectory reads follows, payment requests and subscription proposals
// from a homeserver that exposes each user's public storage under
// {base}/{pubkey}/pub/... and lists directories as one entry per line.
type HTTPDirectory struct {
	logger  *logger.Logger
	baseURL string
	client  *http.Client

	pageSize      int
	maxConcurrent int
}

func NewHTTPDirectory(logger *logger.Logger, baseURL string, timeout time.Duration) *HTTPDirectory {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDirectory{
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
		pageSize:      defaultPageSize,
		maxConcurrent: defaultMaxConcurrent,
	}
}

// ListFollows returns the normalized pubkeys owner follows.
func (d *HTTPDirectory) ListFollows(ctx context.Context, ownerPubkey string) ([]string, error) {
	entries, err := d.listEntries(ctx, d.dirURL(ownerPubkey, followsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to list follows: %w", err)
	}

	follows := make([]string, 0, len(entries))
	for _, name := range entries {
		pubkey, err := validation.ValidateAndNormalizePubkey(name)
		if err != nil {
			d.logger.Debug("Skipping invalid follow entry", "entry", name, "error", err)
			continue
		}
		follows = append(follows, pubkey)
	}
	return follows, nil
}

// FetchPendingRequests returns the requests peer has published for owner.
func (d *HTTPDirectory) FetchPendingRequests(ctx context.Context, peerPubkey, ownerPubkey string) ([]models.RawPaymentRequest, error) {
	dir := d.dirURL(peerPubkey, requestsPath+validation.NormalizePubkey(ownerPubkey)+"/")
	entries, err := d.listEntries(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment requests: %w", err)
	}

	requests := fetchItems[models.RawPaymentRequest](ctx, d, dir, entries)
	out := make([]models.RawPaymentRequest, 0, len(requests))
	for _, item := range requests {
		req := item.value
		if req.RequestID == "" {
			req.RequestID = item.name
		}
		if req.ToPubkey != "" && validation.NormalizePubkey(req.ToPubkey) != validation.NormalizePubkey(ownerPubkey) {
			d.logger.Debug("Skipping request addressed to someone else", "id", req.RequestID, "to", req.ToPubkey)
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// FetchPendingProposals returns the subscription proposals peer has published for owner.
func (d *HTTPDirectory) FetchPendingProposals(ctx context.Context, peerPubkey, ownerPubkey string) ([]models.RawProposal, error) {
	dir := d.dirURL(peerPubkey, proposalsPath+validation.NormalizePubkey(ownerPubkey)+"/")
	entries, err := d.listEntries(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription proposals: %w", err)
	}

	proposals := fetchItems[models.RawProposal](ctx, d, dir, entries)
	out := make([]models.RawProposal, 0, len(proposals))
	for _, item := range proposals {
		prop := item.value
		if prop.ProposalID == "" {
			prop.ProposalID = item.name
		}
		if prop.SubscriberPubkey != "" && validation.NormalizePubkey(prop.SubscriberPubkey) != validation.NormalizePubkey(ownerPubkey) {
			d.logger.Debug("Skipping proposal addressed to someone else", "id", prop.ProposalID, "to", prop.SubscriberPubkey)
			continue
		}
		out = append(out, prop)
	}
	return out, nil
}

func (d *HTTPDirectory) dirURL(pubkey, path string) string {
	return fmt.Sprintf("%s/%s/%s", d.baseURL, validation.NormalizePubkey(pubkey), path)
}

// listEntries pages through a directory listing and returns entry names.
// A missing directory is an empty listing.
func (d *HTTPDirectory) listEntries(ctx context.Context, dirURL string) ([]string, error) {
	var names []string
	cursor := ""

	for {
		u := fmt.Sprintf("%s?limit=%d", dirURL, d.pageSize)
		if cursor != "" {
			u = fmt.Sprintf("%s&cursor=%s", u, url.QueryEscape(cursor))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build listing request: %w", err)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch listing: %w", err)
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return names, nil
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
		}

		page := 0
		last := ""
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			page++
			last = line
			if name := entryName(line); name != "" {
				names = append(names, name)
			}
		}
		err = scanner.Err()
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read listing: %w", err)
		}

		if page < d.pageSize {
			break
		}
		cursor = last
	}

	return names, nil
}

// entryName returns the last path segment of a listing line. Nested
// directories (trailing slash) are skipped.
func entryName(line string) string {
	if strings.HasSuffix(line, "/") {
		return ""
	}
	if i := strings.LastIndex(line, "/"); i >= 0 {
		line = line[i+1:]
	}
	name, err := url.PathUnescape(line)
	if err != nil {
		return line
	}
	return name
}

type fetchedItem[T any] struct {
	name  string
	value T
}

// fetchItems downloads every entry concurrently. Entries that cannot be
// fetched or decoded are logged and left out; order follows the listing.
func fetchItems[T any](ctx context.Context, d *HTTPDirectory, dirURL string, names []string) []fetchedItem[T] {
	results := make([]*fetchedItem[T], len(names))
	sem := make(chan struct{}, d.maxConcurrent)
	var wg sync.WaitGroup

	for i, name := range names {
		wg.Add(1)
		sem <- struct{}{}

		go func(i int, name string) {
			defer wg.Done()
			defer func() { <-sem }()

			var value T
			if err := d.getJSON(ctx, dirURL+url.PathEscape(name), &value); err != nil {
				d.logger.Error("Failed to fetch directory entry", "entry", name, "error", err)
				return
			}
			results[i] = &fetchedItem[T]{name: name, value: value}
		}(i, name)
	}
	wg.Wait()

	out := make([]fetchedItem[T], 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func (d *HTTPDirectory) getJSON(ctx context.Context, u string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}
	return nil
}
