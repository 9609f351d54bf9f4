package ssh

import (
	"context"
	"errors"
	"fmt"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

// Client reaches the docker host that runs manager instances. Commands get
// a small retry allowance because the host's sshd may lag behind the tool
// reporting it up.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	callback := c.KnownHosts
	if callback == nil {
		callback = xssh.InsecureIgnoreHostKey()
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: callback,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes the SSH connection. The caller closes the returned
// client.
func (c *Client) Dial(ctx context.Context) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	type result struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan result, 1)
	go func() {
		cli, err := xssh.Dial("tcp", c.Addr, cfg)
		ch <- result{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

// RunCommand executes a remote command, retrying transport failures with a
// linear backoff. Command output is combined stdout and stderr.
func (c *Client) RunCommand(ctx context.Context, command string) (string, error) {
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		out, err := c.runOnce(ctx, command)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return "", lastErr
}

func (c *Client) runOnce(ctx context.Context, command string) (string, error) {
	cli, err := c.Dial(ctx)
	if err != nil {
		return "", fmt.Errorf("ssh dial %s: %w", c.Addr, err)
	}
	defer cli.Close()
	session, err := cli.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()
	out, err := session.CombinedOutput(command)
	if err != nil {
		return string(out), fmt.Errorf("ssh run %q: %w", command, err)
	}
	return string(out), nil
}
