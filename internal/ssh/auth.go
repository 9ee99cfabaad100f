package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentAuthType selects the SSH agent as the key source.
const AgentAuthType = "agent"

// ErrEncryptedKey is returned for a key file that needs a passphrase. Load
// such keys into the SSH agent instead.
var ErrEncryptedKey = errors.New("key file is passphrase protected; use --ssh-key=agent")

// AgentAvailable reports whether SSH_AUTH_SOCK is set.
func AgentAvailable() bool {
	return os.Getenv("SSH_AUTH_SOCK") != ""
}

// Keys is the key material offered during the handshake. Keys held by the
// agent stay usable until Close.
type Keys struct {
	Signers []ssh.Signer
	agent   net.Conn
}

// LoadKeys resolves an --ssh-key value: "" means no keys, "agent" means the
// SSH agent, anything else is a private key path. The returned Keys is never
// nil on success.
func LoadKeys(ctx context.Context, source string) (*Keys, error) {
	switch source {
	case "":
		return &Keys{}, nil
	case AgentAuthType:
		return agentKeys(ctx)
	}

	signer, err := loadKeyFile(source)
	if err != nil {
		return nil, err
	}
	return &Keys{Signers: []ssh.Signer{signer}}, nil
}

// Close releases the agent connection, if any.
func (k *Keys) Close() error {
	if k == nil || k.agent == nil {
		return nil
	}
	return k.agent.Close()
}

func agentKeys(ctx context.Context) (*Keys, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("ssh agent: SSH_AUTH_SOCK not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("ssh agent: %w", err)
	}

	signers, err := agent.NewClient(conn).Signers()
	switch {
	case err != nil:
		err = fmt.Errorf("ssh agent signers: %w", err)
	case len(signers) == 0:
		err = errors.New("ssh agent: no keys loaded")
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Keys{Signers: signers, agent: conn}, nil
}

func loadKeyFile(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("ssh key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("ssh key %s: %w", path, ErrEncryptedKey)
		}
		return nil, fmt.Errorf("ssh key %s: %w", path, err)
	}
	return signer, nil
}
