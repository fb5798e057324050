package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/markus-lassfolk/uomping/pkg"
)

// WriteOutTemplate makes curl print the transfer metrics as one JSON object
const WriteOutTemplate = `{ "Host": "%{remote_ip}", "Port": "%{remote_port}", "Speed": %{speed_download}, ` +
	`"Bytes": %{size_download}, "Url": "%{url_effective}", "TotalTime": %{time_total}, ` +
	`"SetupTime": %{time_starttransfer} }`

// ErrorCodeNotRun is reported when the fetch tool could not be started
const ErrorCodeNotRun = -1

// deadlineSlack is added to MaxTime for the context deadline so that curl
// normally reports its own timeout (exit 28) first
const deadlineSlack = 5 * time.Second

// Request describes one transfer
type Request struct {
	Device   string // interface the transfer binds to
	Url      string
	MaxTime  time.Duration
	MaxBytes int64 // 0 fetches the whole resource
}

// Transfer holds the metrics reported by the fetch tool
type Transfer struct {
	Host      string
	Port      string
	Speed     float64 // bytes per second
	Bytes     int64
	Url       string
	TotalTime float64 // seconds
	SetupTime float64 // seconds until the first byte
}

// DownloadTime is the time spent receiving the body
func (t Transfer) DownloadTime() float64 {
	return t.TotalTime - t.SetupTime
}

// Outcome is the result of one fetch attempt. Metrics are valid only when
// Parsed is set; ErrorCode is the tool's exit status.
type Outcome struct {
	Transfer
	Parsed    bool
	ErrorCode int
	Start     time.Time
}

// Fetcher performs a single transfer
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Outcome, error)
}

type writeOut struct {
	Host      string  `json:"Host"`
	Port      string  `json:"Port"`
	Speed     float64 `json:"Speed"`
	Bytes     float64 `json:"Bytes"`
	Url       string  `json:"Url"`
	TotalTime float64 `json:"TotalTime"`
	SetupTime float64 `json:"SetupTime"`
}

// ParseWriteOut decodes the metrics object printed by WriteOutTemplate
func ParseWriteOut(out []byte) (Transfer, error) {
	body := bytes.Trim(out, " \t\r\n\x00")
	if len(body) == 0 {
		return Transfer{}, errors.New("empty write-out")
	}
	var w writeOut
	if err := json.Unmarshal(body, &w); err != nil {
		return Transfer{}, fmt.Errorf("write-out: %w", err)
	}
	return Transfer{
		Host:      w.Host,
		Port:      w.Port,
		Speed:     w.Speed,
		Bytes:     int64(w.Bytes),
		Url:       w.Url,
		TotalTime: w.TotalTime,
		SetupTime: w.SetupTime,
	}, nil
}

// CurlFetcher runs curl for every transfer
type CurlFetcher struct {
	Path string
	now  func() time.Time
}

// NewCurlFetcher creates a fetcher using the curl binary at path
func NewCurlFetcher(path string) *CurlFetcher {
	if path == "" {
		path = "curl"
	}
	return &CurlFetcher{Path: path, now: time.Now}
}

// Args returns the curl arguments for req
func (f *CurlFetcher) Args(req Request) []string {
	args := []string{
		"-o", "/dev/null",
		"--fail", // exit 22 on HTTP errors
		"--insecure",
		"--raw",
		"--silent",
		"--write-out", WriteOutTemplate,
		"--interface", req.Device,
		"--max-time", strconv.Itoa(int(req.MaxTime / time.Second)),
	}
	if req.MaxBytes > 0 {
		args = append(args, "--range", fmt.Sprintf("0-%d", req.MaxBytes-1))
	}
	return append(args, req.Url)
}

// Fetch runs one transfer. A non-zero exit yields an error wrapping
// pkg.ErrFetch together with an Outcome carrying the exit code and whatever
// metrics curl printed.
func (f *CurlFetcher) Fetch(ctx context.Context, req Request) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, req.MaxTime+deadlineSlack)
	defer cancel()

	o := Outcome{Start: f.now()}
	cmd := exec.CommandContext(ctx, f.Path, f.Args(req)...)
	out, runErr := cmd.Output()

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			o.ErrorCode = exitErr.ExitCode()
		} else {
			o.ErrorCode = ErrorCodeNotRun
			return o, fmt.Errorf("%w: %v", pkg.ErrFetch, runErr)
		}
	}

	t, parseErr := ParseWriteOut(out)
	if parseErr == nil {
		o.Transfer = t
		o.Parsed = true
	}

	switch {
	case runErr != nil:
		return o, fmt.Errorf("%w: %s exited %d", pkg.ErrFetch, req.Url, o.ErrorCode)
	case parseErr != nil:
		return o, fmt.Errorf("%w: %v", pkg.ErrFetch, parseErr)
	}
	return o, nil
}
