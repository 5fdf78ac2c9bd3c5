package imagefile

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// ServerAddress resolves the image server from CLUSTER_SERVER, defaulting to
// the local control host.
func ServerAddress() string {
	addr := os.Getenv("CLUSTER_SERVER")
	if addr == "" {
		addr = "localhost:9090"
	}
	return "http://" + addr
}

// Client talks to the image server's upload and download endpoints.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a Client against the configured server. Image transfers
// can be large, so no request timeout is set.
func NewClient() *Client {
	return &Client{BaseURL: ServerAddress(), HTTPClient: &http.Client{}}
}

// PullImage downloads a packaged image to destination.
func (c *Client) PullImage(ctx context.Context, name, destination string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/image/download/"+name, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading image %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading image %s: HTTP %d", name, resp.StatusCode)
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return err
	}
	out, err := os.Create(destination)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// PushImage uploads a packaged image, passing its sha256 so the server can
// reject corrupted transfers.
func (c *Client) PushImage(ctx context.Context, name, path string) error {
	checksum, err := SHA256Of(path)
	if err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}
	reader, writer := io.Pipe()
	form := multipart.NewWriter(writer)
	go func() {
		part, err := form.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			writer.CloseWithError(err)
			return
		}
		in, err := os.Open(path)
		if err != nil {
			writer.CloseWithError(err)
			return
		}
		defer in.Close()
		if _, err := io.Copy(part, in); err != nil {
			writer.CloseWithError(err)
			return
		}
		writer.CloseWithError(form.Close())
	}()
	url := fmt.Sprintf("%s/image/upload/%s.zip/%s", c.BaseURL, name, checksum)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading image %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("uploading image %s: HTTP %d", name, resp.StatusCode)
	}
	return nil
}
