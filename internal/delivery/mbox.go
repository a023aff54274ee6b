package delivery

import (
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"
)

// MboxWorker implements the Mbox delivery route of §4.5: a single
// append-only spool file per local recipient, in the classic "From "
// envelope-line format.
type MboxWorker struct {
	spoolDir string
	nowFunc  func() time.Time
}

// NewMboxWorker builds an MboxWorker writing under spoolDir (typically
// /var/mail).
func NewMboxWorker(spoolDir string) *MboxWorker {
	return &MboxWorker{spoolDir: spoolDir, nowFunc: time.Now}
}

// Deliver appends content to each recipient's mbox file.
func (w *MboxWorker) Deliver(recipients []string, content []byte) Attempt {
	per := make([]DeliveredRecipient, 0, len(recipients))
	var local *LocalInformation

	for _, addr := range recipients {
		username := localPart(addr)
		if _, err := user.Lookup(username); err != nil {
			per = append(per, DeliveredRecipient{Address: addr, Action: ActionFailed, Diagnostic: "no such local user: " + username})
			local = &LocalInformation{ErrorClass: LocalErrNoSuchUser, Diagnostic: err.Error()}
			continue
		}

		if err := w.appendTo(username, addr, content); err != nil {
			per = append(per, DeliveredRecipient{Address: addr, Action: ActionFailed, Diagnostic: err.Error()})
			local = &LocalInformation{ErrorClass: classifyLocalError(err), Diagnostic: err.Error()}
			continue
		}

		per = append(per, DeliveredRecipient{Address: addr, Action: ActionDelivered, Diagnostic: "250 2.0.0 delivered to mbox"})
	}

	return Attempt{Recipients: recipients, Local: local, PerRecipient: per}
}

func (w *MboxWorker) appendTo(username, addr string, content []byte) error {
	path := w.spoolDir + "/" + username
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	envelope := fmt.Sprintf("From %s %s\n", addr, w.nowFunc().UTC().Format(time.ANSIC))
	if _, err := f.WriteString(envelope); err != nil {
		return err
	}
	if _, err := f.Write(escapeFromLines(content)); err != nil {
		return err
	}
	_, err = f.WriteString("\n")
	return err
}

// escapeFromLines applies mbox "From " line quoting (">From ") to avoid
// ambiguity with message-separator lines, per the classic mbox format.
func escapeFromLines(content []byte) []byte {
	lines := strings.Split(string(content), "\n")
	for i, l := range lines {
		if strings.HasPrefix(l, "From ") {
			lines[i] = ">" + l
		}
	}
	return []byte(strings.Join(lines, "\n"))
}

func localPart(addr string) string {
	for i, c := range addr {
		if c == '@' {
			return addr[:i]
		}
	}
	return addr
}
