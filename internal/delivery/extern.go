package delivery

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
	"time"
)

// ExternSpec is the configuration of one named Extern{name} target
// (§4.5), grounded on the original implementation's rhai-utils
// process::run: an external command that receives the message on
// stdin and reports success via its exit status.
type ExternSpec struct {
	Name    string
	Args    []string
	User    string
	Group   string
	Timeout time.Duration
}

// ExternWorker implements the Extern{name} delivery route: the message
// is handed to a spawned process's stdin instead of being sent over the
// network or written to a mailbox.
type ExternWorker struct {
	spec ExternSpec
}

// NewExternWorker builds an ExternWorker from a resolved spec. A
// zero Timeout defaults to 60s, matching the original implementation.
func NewExternWorker(spec ExternSpec) *ExternWorker {
	if spec.Timeout <= 0 {
		spec.Timeout = 60 * time.Second
	}
	return &ExternWorker{spec: spec}
}

// Deliver pipes content to the configured command once per delivery
// (not once per recipient, since an external handler typically consumes
// the whole envelope); every recipient shares the resulting outcome.
func (w *ExternWorker) Deliver(ctx context.Context, recipients []string, content []byte) Attempt {
	local, err := w.run(ctx, content)
	action := ActionDelivered
	diag := "250 2.0.0 handled by " + w.spec.Name
	if err != nil {
		action = ActionFailed
		diag = err.Error()
	}

	per := make([]DeliveredRecipient, 0, len(recipients))
	for _, addr := range recipients {
		per = append(per, DeliveredRecipient{Address: addr, Action: action, Diagnostic: diag})
	}
	return Attempt{Recipients: recipients, Local: local, PerRecipient: per}
}

func (w *ExternWorker) run(ctx context.Context, content []byte) (*LocalInformation, error) {
	if len(w.spec.Args) == 0 {
		return &LocalInformation{ErrorClass: LocalErrPermission}, fmt.Errorf("extern %s: no command configured", w.spec.Name)
	}

	runCtx, cancel := context.WithTimeout(ctx, w.spec.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, w.spec.Args[0], w.spec.Args[1:]...)
	cmd.Stdin = bytes.NewReader(content)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := w.applyCredentials(cmd); err != nil {
		return &LocalInformation{ErrorClass: LocalErrPermission, Diagnostic: err.Error()}, err
	}

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return &LocalInformation{ErrorClass: LocalErrTimeout, Diagnostic: stderr.String()}, fmt.Errorf("extern %s: timed out: %w", w.spec.Name, runCtx.Err())
		}
		return &LocalInformation{ErrorClass: LocalErrPermission, Diagnostic: stderr.String()}, fmt.Errorf("extern %s: %w: %s", w.spec.Name, err, stderr.String())
	}

	return &LocalInformation{ErrorClass: LocalErrSuccess}, nil
}

func (w *ExternWorker) applyCredentials(cmd *exec.Cmd) error {
	if w.spec.User == "" && w.spec.Group == "" {
		return nil
	}

	credential := &syscall.Credential{}
	if w.spec.User != "" {
		u, err := user.Lookup(w.spec.User)
		if err != nil {
			return fmt.Errorf("user not found: %s", w.spec.User)
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return err
		}
		credential.Uid = uint32(uid)
	}
	if w.spec.Group != "" {
		g, err := user.LookupGroup(w.spec.Group)
		if err != nil {
			return fmt.Errorf("group not found: %s", w.spec.Group)
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			return err
		}
		credential.Gid = uint32(gid)
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Credential: credential}
	return nil
}
