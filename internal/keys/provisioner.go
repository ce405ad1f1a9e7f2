// Package keys establishes SSH trust from a container to a pod with a
// dedicated keypair. It assumes a single writer per key path.
package keys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/edvin/podlab/internal/model"
	"github.com/edvin/podlab/internal/sshexec"
)

const (
	DefaultDir  = "~/.ssh"
	DefaultName = "id_pod_sync"
	keyComment  = "pod sync key"
	remoteDir   = "~/.ssh"
)

// ErrTransferFailed means the private key did not arrive in the container.
var ErrTransferFailed = errors.New("private key transfer failed")

// Provisioner generates the sync keypair and installs both halves.
type Provisioner struct {
	exec   sshexec.Executor
	dir    string
	name   string
	logger zerolog.Logger
}

// NewProvisioner creates a Provisioner writing keys to dir/name. Empty values
// mean ~/.ssh and id_pod_sync.
func NewProvisioner(exec sshexec.Executor, logger zerolog.Logger, dir, name string) *Provisioner {
	if dir == "" {
		dir = DefaultDir
	}
	if name == "" {
		name = DefaultName
	}
	return &Provisioner{
		exec:   exec,
		dir:    model.ExpandHome(dir),
		name:   name,
		logger: logger.With().Str("component", "key-provisioner").Logger(),
	}
}

// PrivateKeyPath returns the local private key path.
func (p *Provisioner) PrivateKeyPath() string { return filepath.Join(p.dir, p.name) }

// PublicKeyPath returns the local public key path.
func (p *Provisioner) PublicKeyPath() string { return p.PrivateKeyPath() + ".pub" }

// RemotePrivateKeyPath is where InstallPrivateKey puts the key in the container.
func (p *Provisioner) RemotePrivateKeyPath() string { return remoteDir + "/" + p.name }

// GenerateKeypair deletes any existing keypair and writes a new ed25519 one.
func (p *Provisioner) GenerateKeypair() (privPath, pubPath string, err error) {
	privPath, pubPath = p.PrivateKeyPath(), p.PublicKeyPath()
	for _, path := range []string{privPath, pubPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", "", fmt.Errorf("remove old key %s: %w", path, err)
		}
	}
	if err := os.MkdirAll(p.dir, 0700); err != nil {
		return "", "", fmt.Errorf("create key directory: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, keyComment)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("convert public key: %w", err)
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + keyComment + "\n"

	if err := os.WriteFile(privPath, pem.EncodeToMemory(block), 0600); err != nil {
		return "", "", fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(authorized), 0644); err != nil {
		return "", "", fmt.Errorf("write public key: %w", err)
	}
	p.logger.Info().Str("path", privPath).Str("fingerprint", ssh.FingerprintSHA256(sshPub)).Msg("generated sync keypair")
	return privPath, pubPath, nil
}

// InstallPublicKey appends the public key to the pod's authorized_keys. This
// is first contact with the pod, so an unknown host key is accepted.
func (p *Provisioner) InstallPublicKey(ctx context.Context, pod model.Endpoint, pubPath string) error {
	if pubPath == "" {
		pubPath = p.PublicKeyPath()
	}
	data, err := os.ReadFile(pubPath)
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
		return model.Invalid("public key "+pubPath, "%v", err)
	}

	cmd := sshexec.Cmd(
		"mkdir -p "+remoteDir,
		"chmod 700 "+remoteDir,
		"echo "+sshexec.ShellQuote(key)+" >> "+remoteDir+"/authorized_keys",
	).FirstContact()
	res, err := p.exec.Execute(ctx, pod, cmd)
	if err != nil {
		return fmt.Errorf("install public key on %s: %w", pod.Alias, err)
	}
	if !res.Success() {
		return fmt.Errorf("install public key on %s: exit %d: %s", pod.Alias, res.ExitCode, res.Stderr)
	}
	p.logger.Info().Str("pod", pod.Alias).Msg("public key installed")
	return nil
}

// InstallPrivateKey uploads the private key into the container's ~/.ssh and
// restricts its permissions. A failed transfer is not retried.
func (p *Provisioner) InstallPrivateKey(ctx context.Context, container model.Endpoint, privPath string) error {
	if privPath == "" {
		privPath = p.PrivateKeyPath()
	}
	res, err := p.exec.Execute(ctx, container, sshexec.Cmd("mkdir -p "+remoteDir, "chmod 700 "+remoteDir))
	if err != nil {
		return fmt.Errorf("prepare %s on %s: %w", remoteDir, container.Alias, err)
	}
	if !res.Success() {
		return fmt.Errorf("prepare %s on %s: exit %d: %s", remoteDir, container.Alias, res.ExitCode, res.Stderr)
	}

	ok, err := p.exec.Upload(ctx, container, privPath, remoteDir)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTransferFailed, container.Alias, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransferFailed, container.Alias)
	}

	res, err = p.exec.Execute(ctx, container, sshexec.Cmd("chmod 600 "+remoteDir+"/*"))
	if err != nil {
		return fmt.Errorf("restrict key permissions on %s: %w", container.Alias, err)
	}
	if !res.Success() {
		return fmt.Errorf("restrict key permissions on %s: exit %d: %s", container.Alias, res.ExitCode, res.Stderr)
	}
	p.logger.Info().Str("container", container.Alias).Msg("private key installed")
	return nil
}
