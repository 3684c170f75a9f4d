package healthmonitor

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"path"
	"time"

	"github.com/inhies/go-bytesize"
)

func doHttp(ctx context.Context, u url.URL, httpPath string, maxBody bytesize.ByteSize, timeout time.Duration) (int, error) {
	client := http.Client{
		Timeout: timeout,
	}

	reqURL := u
	reqURL.Path = path.Join(u.Path, httpPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, int64(maxBody)))

	return resp.StatusCode, nil
}

func doTcp(u url.URL, timeout time.Duration) error {
	address := fmt.Sprintf("%s:%s", u.Hostname(), u.Port())
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

func doIcmp(u url.URL, timeout time.Duration) error {
	host := u.Hostname()
	return exec.Command(
		"ping",
		"-c", "1", "-W", fmt.Sprintf("%.0f", timeout.Seconds()),
		host,
	).Run()
}
