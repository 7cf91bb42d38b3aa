package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"sync"
	"syscall"

	"github.com/go-resty/resty/v2"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/strmlab/hlsfetch"
	"github.com/strmlab/hlsfetch/utils"
	"github.com/strmlab/hlsfetch/version"
)

var option hlsfetch.Option

func init() {
	option = *hlsfetch.DefaultOptions
}

// ProgressManager manages per-fragment progress bars
type ProgressManager struct {
	bars map[string]*progressbar.ProgressBar
	mu   sync.RWMutex
}

func NewProgressManager() *ProgressManager {
	return &ProgressManager{
		bars: make(map[string]*progressbar.ProgressBar),
	}
}

func (pm *ProgressManager) createProgressCallback() hlsfetch.ProgressCallback {
	return func(current, total int64, description string) {
		pm.mu.Lock()
		defer pm.mu.Unlock()

		bar, exists := pm.bars[description]
		if !exists {
			bar = progressbar.DefaultBytes(total, path.Base(description))
			pm.bars[description] = bar
		}
		bar.Set64(current)
	}
}

func (pm *ProgressManager) finish() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for _, bar := range pm.bars {
		bar.Finish()
	}
	pm.bars = make(map[string]*progressbar.ProgressBar)
}

// createRootCommand creates the main command.
func createRootCommand() *cobra.Command {
	var headerFlags []string
	var outputPath string
	cmd := &cobra.Command{
		Use:     "hlsfetch [URL]",
		Short:   "An HLS stream fetcher",
		Long:    `hlsfetch - Fetch an HTTP Live Streaming playlist and write the media byte stream to a file`,
		Version: version.Version,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := processHeaders(headerFlags); err != nil {
				return err
			}
			return run(args[0], outputPath)
		},
	}
	setupFlags(cmd, &headerFlags, &outputPath)
	return cmd
}

// run plays the upstream-source role for the controller: it fetches the
// playlist bytes (tracking permanent redirects), feeds the sink, and copies
// the source-pad byte stream to the output file.
func run(url, outputPath string) error {
	url = strings.TrimSpace(url)
	if !utils.IsValidURL(url) {
		return fmt.Errorf("invalid URL: %s", url)
	}

	data, location, err := fetchPlaylist(url)
	if err != nil {
		return fmt.Errorf("failed to fetch playlist: %w", err)
	}

	controller := hlsfetch.New(option)
	controller.SetLocationQuery(func() (hlsfetch.URIQueryResult, bool) {
		return location, true
	})

	if !option.Silent {
		pm := NewProgressManager()
		controller.SetProgressCallback(pm.createProgressCallback())
		defer pm.finish()
	}

	if outputPath == "" {
		name := utils.SanitizeFilename(path.Base(location.URI))
		if ext := utils.FileExtension(name); ext != "" {
			name = strings.TrimSuffix(name, ext)
		}
		outputPath = name + ".ts"
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer out.Close()

	errCh := make(chan error, 1)
	go watchBus(controller, errCh)

	if err := controller.SetState(hlsfetch.StateReady); err != nil {
		return err
	}
	if err := controller.SinkData(data); err != nil {
		return err
	}
	controller.SinkEOS()
	if err := controller.SetState(hlsfetch.StatePlaying); err != nil {
		return err
	}

	written, copyErr := io.Copy(out, controller.SrcReader())

	if err := controller.SetState(hlsfetch.StateNull); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	default:
	}
	if copyErr != nil {
		return fmt.Errorf("stream aborted: %w", copyErr)
	}

	if !option.Silent {
		duration, _ := controller.Duration()
		fmt.Printf("Wrote %s (%s of media) to %s\n",
			utils.FormatBytes(written), utils.FormatDuration(duration), outputPath)
	}
	return nil
}

// watchBus surfaces element errors and, in verbose mode, statistics.
func watchBus(controller *hlsfetch.Controller, errCh chan<- error) {
	for msg := range controller.Bus().C {
		switch m := msg.(type) {
		case hlsfetch.ErrorMessage:
			select {
			case errCh <- m.Err:
			default:
			}
		case hlsfetch.StatsMessage:
			if option.Verbose {
				fmt.Printf("%s: %v\n", m.Name, m.Fields)
			}
		}
	}
}

// fetchPlaylist retrieves the playlist bytes, following redirects manually
// so that only permanent ones (301/308) rewrite the resolved URI.
func fetchPlaylist(url string) ([]byte, hlsfetch.URIQueryResult, error) {
	client := resty.New().
		SetTimeout(option.Timeout).
		SetRedirectPolicy(resty.NoRedirectPolicy())
	if option.UserAgent != "" {
		client.SetHeader("User-Agent", option.UserAgent)
	}
	if option.Proxy != "" {
		client.SetProxy(option.Proxy)
	}

	result := hlsfetch.URIQueryResult{URI: url}
	current := url
	for redirects := 0; redirects < 10; redirects++ {
		resp, err := client.R().Get(current)
		if err != nil && resp == nil {
			return nil, result, err
		}
		switch resp.StatusCode() {
		case http.StatusOK:
			return resp.Body(), result, nil
		case http.StatusMovedPermanently, http.StatusPermanentRedirect:
			current = resp.Header().Get("Location")
			result.Redirect = current
			result.Permanent = true
		case http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
			current = resp.Header().Get("Location")
		default:
			return nil, result, fmt.Errorf("HTTP error: %s", resp.Status())
		}
		if current == "" {
			return nil, result, fmt.Errorf("redirect without Location header")
		}
	}
	return nil, result, fmt.Errorf("too many redirects")
}

// processHeaders parses and validates HTTP headers from command line flags.
func processHeaders(headerFlags []string) error {
	if option.Headers == nil {
		option.Headers = make(http.Header)
	}
	for _, h := range headerFlags {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid header format: %s", h)
		}
		option.Headers.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}
	return nil
}

// setupFlags configures command line flags using the current values in option as defaults.
func setupFlags(cmd *cobra.Command, headerFlags *[]string, outputPath *string) {
	cmd.Flags().StringVarP(outputPath, "output", "o", "", "Output file path")
	// Network options
	cmd.Flags().StringVarP(&option.Cookie, "cookies", "c", option.Cookie, "Cookie file path")
	cmd.Flags().StringArrayVarP(headerFlags, "header", "H", nil, "Custom HTTP headers")
	cmd.Flags().StringVarP(&option.UserAgent, "user-agent", "u", option.UserAgent, "Custom user agent")
	cmd.Flags().StringVarP(&option.Proxy, "proxy", "x", option.Proxy, "HTTP proxy URL")
	cmd.Flags().IntVarP(&option.RetryCount, "retry", "r", option.RetryCount, "Number of transport retry attempts")
	cmd.Flags().DurationVarP(&option.Timeout, "timeout", "t", option.Timeout, "Request timeout")
	cmd.Flags().BoolVar(&option.NoCache, "no-cache", option.NoCache, "Disable HTTP caching")
	// Streaming options
	cmd.Flags().DurationVar(&option.MaxBufferDuration, "buffer-duration", option.MaxBufferDuration, "Buffer-ahead bound in media time")
	cmd.Flags().Int64Var(&option.RateLimit, "rate-limit", option.RateLimit, "Fragment read limit in bytes per second")
	// Error handling and logging
	cmd.Flags().BoolVarP(&option.Debug, "debug", "d", option.Debug, "Enable debug logging")
	cmd.Flags().BoolVarP(&option.Verbose, "verbose", "v", option.Verbose, "Enable verbose output")
	cmd.Flags().BoolVar(&option.Silent, "silent", option.Silent, "Suppress all output except errors")
}

func main() {
	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd := createRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
