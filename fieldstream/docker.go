package fieldstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// minimal Docker Engine API client over the local socket.
// only the narrow contract the execution bridge needs: build or reuse
// an image, run a container, attach a duplex byte stream.

type DockerClientSettings struct {
	SocketPath     string
	RequestTimeout time.Duration
	BuildTimeout   time.Duration
}

func DefaultDockerClientSettings() *DockerClientSettings {
	return &DockerClientSettings{
		SocketPath:     "/var/run/docker.sock",
		RequestTimeout: 15 * time.Second,
		BuildTimeout:   300 * time.Second,
	}
}

type DockerClient struct {
	settings *DockerClientSettings

	httpClient *http.Client
}

func NewDockerClientWithDefaults() *DockerClient {
	return NewDockerClient(DefaultDockerClientSettings())
}

func NewDockerClient(settings *DockerClientSettings) *DockerClient {
	dialContext := func(ctx context.Context, network string, address string) (net.Conn, error) {
		var dialer net.Dialer
		return dialer.DialContext(ctx, "unix", settings.SocketPath)
	}
	return &DockerClient{
		settings: settings,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: dialContext,
			},
		},
	}
}

// the host part is a placeholder, the transport always dials the socket
func (self *DockerClient) apiUrl(path string) string {
	return "http://docker" + path
}

type dockerApiError struct {
	StatusCode int
	Message    string
}

func (self *dockerApiError) Error() string {
	return fmt.Sprintf("docker api %d: %s", self.StatusCode, self.Message)
}

func (self *DockerClient) do(ctx context.Context, method string, path string, contentType string, body io.Reader, timeout time.Duration) ([]byte, error) {
	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, method, self.apiUrl(path), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}

	response, err := self.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	out, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	if 400 <= response.StatusCode {
		message := strings.TrimSpace(string(out))
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(out, &e) == nil && e.Message != "" {
			message = e.Message
		}
		return nil, &dockerApiError{
			StatusCode: response.StatusCode,
			Message:    message,
		}
	}
	return out, nil
}

func (self *DockerClient) ImageExists(ctx context.Context, tag string) (bool, error) {
	_, err := self.do(ctx, "GET", "/images/"+url.PathEscape(tag)+"/json", "", nil, self.settings.RequestTimeout)
	if err != nil {
		var apiErr *dockerApiError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// builds an image from a tar build context.
// the build output is a stream of json lines, an "error" line fails
// the build.
func (self *DockerClient) BuildImage(ctx context.Context, tag string, buildContext io.Reader) error {
	requestCtx, cancel := context.WithTimeout(ctx, self.settings.BuildTimeout)
	defer cancel()

	query := url.Values{}
	query.Set("t", tag)
	query.Set("labels", `{"wiki.fieldstream":"1"}`)

	request, err := http.NewRequestWithContext(requestCtx, "POST", self.apiUrl("/build?"+query.Encode()), buildContext)
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/x-tar")

	response, err := self.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if 400 <= response.StatusCode {
		out, _ := io.ReadAll(response.Body)
		return &dockerApiError{
			StatusCode: response.StatusCode,
			Message:    strings.TrimSpace(string(out)),
		}
	}

	buildLog := []string{}
	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if json.Unmarshal(scanner.Bytes(), &line) != nil {
			continue
		}
		if line.Error != "" {
			glog.Infof("[docker]build %s failed:\n\t%s\n", tag, strings.Join(buildLog, "\n\t"))
			return fmt.Errorf("docker build: %s", line.Error)
		}
		if s := strings.TrimSpace(line.Stream); s != "" {
			buildLog = append(buildLog, s)
		}
	}
	return scanner.Err()
}

func (self *DockerClient) CreateContainer(ctx context.Context, image string) (string, error) {
	config := map[string]any{
		"Image":        image,
		"AttachStdin":  true,
		"AttachStdout": true,
		"AttachStderr": true,
		"Tty":          false,
		"OpenStdin":    true,
		"StdinOnce":    true,
	}
	body, err := json.Marshal(config)
	if err != nil {
		return "", err
	}
	out, err := self.do(ctx, "POST", "/containers/create", "application/json", bytes.NewReader(body), self.settings.RequestTimeout)
	if err != nil {
		return "", err
	}
	var created struct {
		Id string `json:"Id"`
	}
	if err := json.Unmarshal(out, &created); err != nil {
		return "", err
	}
	return created.Id, nil
}

func (self *DockerClient) StartContainer(ctx context.Context, containerId string) error {
	_, err := self.do(ctx, "POST", "/containers/"+containerId+"/start", "", nil, self.settings.RequestTimeout)
	return err
}

func (self *DockerClient) KillContainer(ctx context.Context, containerId string) error {
	_, err := self.do(ctx, "POST", "/containers/"+containerId+"/kill", "", nil, self.settings.RequestTimeout)
	return err
}

func (self *DockerClient) RemoveContainer(ctx context.Context, containerId string) error {
	_, err := self.do(ctx, "DELETE", "/containers/"+containerId+"?force=1", "", nil, self.settings.RequestTimeout)
	return err
}

// bidirectional byte stream to the container's stdio
func (self *DockerClient) AttachWebsocket(ctx context.Context, containerId string) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network string, address string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", self.settings.SocketPath)
		},
		HandshakeTimeout: self.settings.RequestTimeout,
	}
	wsUrl := "ws://docker/containers/" + containerId + "/attach/ws?stdin=1&stdout=1&stderr=1&stream=1"
	ws, _, err := dialer.DialContext(ctx, wsUrl, nil)
	return ws, err
}
