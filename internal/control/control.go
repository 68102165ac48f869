// Package control implements the Control Ingress (C5): a long-lived
// Server-Sent Events connection to the control plane, translating each
// received directive into Registry.SetUploadByNsPod calls for the local
// node.
//
// Grounded on src/api.rs::recv_tasks/ApiServerRequest in original_source.
// original_source used the sse_client crate; no repo in the retrieved
// example pack vendors a dedicated SSE client, so this consumes the
// text/event-stream wire format directly with net/http + bufio.Scanner,
// the one place in this tree that reaches for the standard library where
// the original reached for a third-party crate (see SPEC_FULL.md §11).
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nodeharvest/harvest-agent/internal/registry"
)

const (
	opRun  = "run"
	opStop = "stop"
)

// podDirective is one element of Directive.Pods, per spec.md §4.5.
type podDirective struct {
	Node   string   `json:"node"`
	Pod    string   `json:"pod"`
	IPs    []string `json:"ips"`
	Offset int64    `json:"offset"`
}

// Directive is the JSON document carried by each control-plane event, per
// spec.md §4.5: {op, ns, service_name, pods:[{node, pod, ips, offset}]}.
type Directive struct {
	Op          string         `json:"op"`
	Namespace   string         `json:"ns"`
	ServiceName string         `json:"service_name"`
	Output      string         `json:"output"`
	Filter      string         `json:"rules"`
	Pods        []podDirective `json:"pods"`
}

// hasNodeEvent reports whether any pod entry targets node.
func (d Directive) hasNodeEvent(node string) bool {
	for _, p := range d.Pods {
		if p.Node == node {
			return true
		}
	}
	return false
}

// Ingress consumes a control-plane event stream and drives Registry upload
// toggles for the local node.
type Ingress struct {
	log       *zap.Logger
	apiServer string
	nodeName  string
	reg       *registry.Registry
	client    *http.Client

	// cache holds the most recently observed directive per (ns, service)
	// pair, exposed read-only via Snapshot for the admin /rules endpoint
	// (SPEC_FULL.md §12.1). This cache is purely observational: it is never
	// consulted to decide Registry mutations.
	cache *directiveCache
}

// New builds an Ingress that will connect to apiServer and admit directives
// whose pods target nodeName.
func New(apiServer, nodeName string, reg *registry.Registry, log *zap.Logger) *Ingress {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingress{
		log:       log.Named("control"),
		apiServer: apiServer,
		nodeName:  nodeName,
		reg:       reg,
		client:    &http.Client{},
		cache:     newDirectiveCache(),
	}
}

// Cache exposes the most-recently-seen directives, for internal/api's
// GET /rules.
func (i *Ingress) Cache() *directiveCache { return i.cache }

// Run opens the event stream and processes directives until ctx is
// canceled. A stream-open failure is fatal to the ingress task and is
// returned; a per-event JSON parse failure is logged and the stream
// continues, per spec.md §4.5.
func (i *Ingress) Run(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.apiServer, nil)
	if err != nil {
		return fmt.Errorf("control: build request to %q: %w", i.apiServer, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("control: connect to %q: %w", i.apiServer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control: connect to %q: unexpected status %s", i.apiServer, resp.Status)
	}

	i.log.Info("control ingress connected", zap.String("api_server", i.apiServer))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLines []string
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if len(dataLines) > 0 {
				i.handleEvent(strings.Join(dataLines, "\n"))
				dataLines = nil
			}
		default:
			// id:, event:, retry: and comment (":") lines carry no
			// information this ingress needs.
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("control: reading event stream from %q: %w", i.apiServer, err)
	}
	return nil
}

func (i *Ingress) handleEvent(data string) {
	var d Directive
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		i.log.Warn("failed to parse control directive, skipping event", zap.Error(err))
		return
	}

	if !d.hasNodeEvent(i.nodeName) {
		return
	}

	i.cache.put(d)

	for _, pod := range d.Pods {
		if pod.Node != i.nodeName {
			continue
		}
		switch d.Op {
		case opRun:
			i.reg.SetUploadByNsPod(d.Namespace, pod.Pod, true, pod.IPs)
		case opStop:
			i.reg.SetUploadByNsPod(d.Namespace, pod.Pod, false, pod.IPs)
		default:
			i.log.Warn("unknown control op, ignoring",
				zap.String("op", d.Op), zap.String("ns", d.Namespace), zap.String("pod", pod.Pod))
		}
	}
}
