package hypervisor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"pvefleet/internal/fleet"
	"pvefleet/internal/logging"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	apiPrefix       = "/api2/json"
	maxResponseSize = 4 << 20
)

// Options configures a ProxmoxClient.
type Options struct {
	BaseURL string
	User    string
	TokenID string

	// TokenSecret is referenced, not copied, so that zeroing the caller's
	// credentials also invalidates the client.
	TokenSecret []byte

	InsecureSkipVerify bool
	CAFile             string

	PollInterval   time.Duration
	RetryMax       int
	RetryWaitMin   time.Duration
	RetryWaitMax   time.Duration
	RequestTimeout time.Duration
	StatusTimeout  time.Duration

	// OverruleShutdown makes a stop abort a running shutdown task instead of
	// waiting on its config lock. Needs Proxmox VE 8.1 or later.
	OverruleShutdown bool

	Logger *zap.Logger
}

// ProxmoxClient implements Hypervisor over the Proxmox VE REST API.
type ProxmoxClient struct {
	baseURL       string
	user          string
	tokenID       string
	secret        []byte
	pollInterval  time.Duration
	statusTimeout time.Duration
	overrule      bool
	http          *retryablehttp.Client
	logger        *zap.Logger
}

var _ Hypervisor = (*ProxmoxClient)(nil)

// NewProxmoxClient builds a client. It performs no network calls.
func NewProxmoxClient(opts Options) (*ProxmoxClient, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	base = strings.TrimSuffix(base, apiPrefix)
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fleet.ConfigurationError("create hypervisor client", fmt.Sprintf("invalid API URL %q", opts.BaseURL), err)
	}
	if len(opts.TokenSecret) == 0 {
		return nil, fleet.AuthenticationError("create hypervisor client", "API token secret is empty", nil)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Logger()
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}
	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fleet.ConfigurationError("create hypervisor client", "failed to read CA file "+opts.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fleet.ConfigurationError("create hypervisor client", "no certificates found in "+opts.CAFile, nil)
		}
		tlsConfig.RootCAs = pool
	}

	transport := cleanhttp.DefaultPooledTransport()
	transport.TLSClientConfig = tlsConfig

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: transport, Timeout: opts.RequestTimeout}
	rc.Logger = newLeveledLogger(logger)
	rc.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	rc.CheckRetry = retryPolicy
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	poll := opts.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	statusTimeout := opts.StatusTimeout
	if statusTimeout <= 0 {
		statusTimeout = 30 * time.Second
	}

	return &ProxmoxClient{
		baseURL:       base,
		user:          opts.User,
		tokenID:       opts.TokenID,
		secret:        opts.TokenSecret,
		pollInterval:  poll,
		statusTimeout: statusTimeout,
		overrule:      opts.OverruleShutdown,
		http:          rc,
		logger:        logger,
	}, nil
}

// retryPolicy retries network errors and the statuses Proxmox and its
// reverse proxies use for overload. Other statuses are final.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return isRetryableStatus(resp.StatusCode), nil
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

type envelope struct {
	Data   json.RawMessage   `json:"data"`
	Errors map[string]string `json:"errors"`
}

// do performs one API call and decodes the data member into out.
func (c *ProxmoxClient) do(ctx context.Context, op, method, path string, params url.Values, out any) error {
	target := c.baseURL + apiPrefix + path

	var body []byte
	switch method {
	case http.MethodGet, http.MethodDelete:
		if len(params) > 0 {
			target += "?" + params.Encode()
		}
	default:
		body = []byte(params.Encode())
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fleet.PermanentError(op, "failed to build request", err)
	}
	auth, err := c.authHeader()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fleet.TransientError(op, "failed to read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(op, resp, raw)
	}
	if out == nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fleet.PermanentError(op, "unexpected response from API", err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fleet.PermanentError(op, "API response has no data", nil)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fleet.PermanentError(op, "unexpected response from API", err)
	}
	return nil
}

func (c *ProxmoxClient) authHeader() (string, error) {
	if wiped(c.secret) {
		return "", fleet.AuthenticationError("authorize request", "API token secret has been destroyed", nil)
	}

	var b strings.Builder
	b.Grow(len("PVEAPIToken=") + len(c.user) + len(c.tokenID) + len(c.secret) + 2)
	b.WriteString("PVEAPIToken=")
	b.WriteString(c.user)
	b.WriteByte('!')
	b.WriteString(c.tokenID)
	b.WriteByte('=')
	b.Write(c.secret)
	return b.String(), nil
}

func wiped(secret []byte) bool {
	for _, c := range secret {
		if c != 0 {
			return false
		}
	}
	return true
}

func transportError(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return fleet.CancelledError(op)
	case errors.Is(err, context.DeadlineExceeded):
		return fleet.TimeoutError(op, "deadline exceeded waiting for the API")
	default:
		return fleet.TransientError(op, "API unreachable", err)
	}
}

func classifyStatus(op string, resp *http.Response, raw []byte) error {
	code := resp.StatusCode
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(code)))

	var env envelope
	if json.Unmarshal(raw, &env) == nil && len(env.Errors) > 0 {
		keys := make([]string, 0, len(env.Errors))
		for k := range env.Errors {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+strings.TrimSpace(env.Errors[k]))
		}
		reason += " (" + strings.Join(parts, "; ") + ")"
	}
	msg := logging.Truncate(fmt.Sprintf("API returned %d: %s", code, reason))
	cause := fmt.Errorf("http status %d", code)

	switch {
	case code == http.StatusUnauthorized:
		return fleet.AuthenticationError(op, "API token rejected", cause)
	case isRetryableStatus(code):
		return fleet.TransientError(op, msg, cause)
	default:
		return fleet.PermanentError(op, msg, cause)
	}
}

func qemuPath(node string, id int, suffix string) string {
	return "/nodes/" + url.PathEscape(node) + "/qemu/" + strconv.Itoa(id) + suffix
}

// ListVMs returns every guest in the cluster.
func (c *ProxmoxClient) ListVMs(ctx context.Context) ([]VMSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	var vms []VMSummary
	if err := c.do(ctx, "list vms", http.MethodGet, "/cluster/resources", url.Values{"type": {"vm"}}, &vms); err != nil {
		return nil, err
	}
	slices.SortFunc(vms, func(a, b VMSummary) int { return a.ID - b.ID })
	return vms, nil
}

// CloneVM clones spec.TemplateID into spec.NewID and waits for the task.
func (c *ProxmoxClient) CloneVM(ctx context.Context, spec CloneSpec) error {
	op := fmt.Sprintf("clone vm %d", spec.NewID)
	ctx, cancel := withTimeout(ctx, spec.Timeout)
	defer cancel()

	vms, err := c.ListVMs(ctx)
	if err != nil {
		return err
	}
	existing := IDSet(vms)
	if vm, ok := existing[spec.NewID]; ok {
		return fleet.ConflictError(op, fmt.Sprintf("vm id %d already exists on node %s", spec.NewID, vm.Node), nil)
	}
	tmpl, ok := existing[spec.TemplateID]
	if !ok {
		return fleet.PermanentError(op, fmt.Sprintf("template %d not found", spec.TemplateID), nil)
	}

	params := url.Values{
		"newid": {strconv.Itoa(spec.NewID)},
		"name":  {spec.Name},
		"full":  {boolParam(spec.Full)},
	}
	if spec.Full && spec.Storage != "" {
		params.Set("storage", spec.Storage)
	}
	if spec.Node != "" && spec.Node != tmpl.Node {
		params.Set("target", spec.Node)
	}

	var upid string
	if err := c.do(ctx, op, http.MethodPost, qemuPath(tmpl.Node, spec.TemplateID, "/clone"), params, &upid); err != nil {
		return err
	}
	c.logger.Debug("clone task submitted", zap.Int("vmid", spec.NewID), zap.String("upid", upid))
	return c.waitTask(ctx, op, tmpl.Node, upid)
}

// ConfigureVM applies cores and memory. Zero values are left unchanged.
func (c *ProxmoxClient) ConfigureVM(ctx context.Context, id int, node string, cores, memoryMB int) error {
	params := url.Values{}
	if cores > 0 {
		params.Set("cores", strconv.Itoa(cores))
	}
	if memoryMB > 0 {
		params.Set("memory", strconv.Itoa(memoryMB))
	}
	if len(params) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()
	return c.do(ctx, fmt.Sprintf("configure vm %d", id), http.MethodPut, qemuPath(node, id, "/config"), params, nil)
}

// StartVM starts the guest. A running guest is left alone.
func (c *ProxmoxClient) StartVM(ctx context.Context, id int, node string, timeout time.Duration) error {
	return c.transition(ctx, fmt.Sprintf("start vm %d", id), id, node, "/status/start", nil, fleet.StateRunning, timeout)
}

// ShutdownVM requests an ACPI shutdown. A stopped guest is left alone.
func (c *ProxmoxClient) ShutdownVM(ctx context.Context, id int, node string, timeout time.Duration) error {
	params := url.Values{
		"timeout":   {strconv.Itoa(shutdownSeconds(timeout))},
		"forceStop": {"0"},
	}
	return c.transition(ctx, fmt.Sprintf("shutdown vm %d", id), id, node, "/status/shutdown", params, fleet.StateStopped, timeout)
}

// StopVM powers the guest off. A stopped guest is left alone.
func (c *ProxmoxClient) StopVM(ctx context.Context, id int, node string, timeout time.Duration) error {
	var params url.Values
	if c.overrule {
		params = url.Values{"overrule-shutdown": {"1"}}
	}
	return c.transition(ctx, fmt.Sprintf("stop vm %d", id), id, node, "/status/stop", params, fleet.StateStopped, timeout)
}

// shutdownSeconds converts the graceful window to whole seconds, rounding
// up so that a sub-second window never becomes "no timeout".
func shutdownSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

func (c *ProxmoxClient) transition(ctx context.Context, op string, id int, node, action string, params url.Values, want fleet.VMState, timeout time.Duration) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	status, err := c.GetStatus(ctx, id, node)
	if err != nil {
		return err
	}
	if status.State == want {
		c.logger.Debug("vm already in requested state",
			zap.String("operation", op),
			zap.String("state", string(want)))
		return nil
	}

	var upid string
	if err := c.do(ctx, op, http.MethodPost, qemuPath(node, id, action), params, &upid); err != nil {
		return err
	}
	return c.waitTask(ctx, op, node, upid)
}

type currentStatus struct {
	Status string `json:"status"`
	Name   string `json:"name"`
	Uptime int64  `json:"uptime"`
	CPUs   int    `json:"cpus"`
	MaxMem int64  `json:"maxmem"`
}

// GetStatus reads the current guest status. It never mutates the guest.
func (c *ProxmoxClient) GetStatus(ctx context.Context, id int, node string) (VMStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	var cur currentStatus
	if err := c.do(ctx, fmt.Sprintf("status vm %d", id), http.MethodGet, qemuPath(node, id, "/status/current"), nil, &cur); err != nil {
		return VMStatus{}, err
	}
	return VMStatus{
		State:     stateFromStatus(cur.Status),
		Raw:       cur.Status,
		Name:      cur.Name,
		Uptime:    time.Duration(cur.Uptime) * time.Second,
		CPUs:      cur.CPUs,
		MaxMemory: cur.MaxMem,
	}, nil
}

// withTimeout bounds ctx by d. A non-positive d leaves ctx unbounded.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func boolParam(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
