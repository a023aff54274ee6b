package delivery

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
)

// UserLookup selects which part of a recipient address names the local
// system user a Maildir delivery writes to.
type UserLookup int

const (
	LookupLocalPart UserLookup = iota
	LookupFullAddress
)

// MaildirWorker implements the Maildir delivery route of §4.5, grounded
// on the original implementation's maildir.rs: one Maildir++ mailbox
// (new/tmp/cur) per local recipient, chowned to that recipient's user.
type MaildirWorker struct {
	lookup    UserLookup
	groupName string
	userMap   map[string]string
}

// NewMaildirWorker builds a MaildirWorker. groupName may be empty to
// skip the group chown step.
func NewMaildirWorker(lookup UserLookup, groupName string) *MaildirWorker {
	return &MaildirWorker{lookup: lookup, groupName: groupName}
}

// WithUserMap overrides how recipient addresses resolve to system
// usernames, from config.SystemEnv.LocalUsers (§6's "user/group mapping
// for local delivery"). A recipient absent from the map falls back to
// the lookup-derived name.
func (w *MaildirWorker) WithUserMap(m map[string]string) *MaildirWorker {
	w.userMap = m
	return w
}

// Deliver writes content into every recipient's Maildir inbox, one
// LocalInformation-backed Attempt entry per recipient.
func (w *MaildirWorker) Deliver(recipients []string, messageUUID string, content []byte) Attempt {
	per := make([]DeliveredRecipient, 0, len(recipients))
	var local *LocalInformation

	for _, addr := range recipients {
		username := w.localUser(addr)
		u, err := user.Lookup(username)
		if err != nil {
			per = append(per, DeliveredRecipient{Address: addr, Action: ActionFailed, Diagnostic: "no such local user: " + username})
			local = &LocalInformation{ErrorClass: LocalErrNoSuchUser, Diagnostic: err.Error()}
			continue
		}

		if err := w.write(u, addr, messageUUID, content); err != nil {
			class := classifyLocalError(err)
			per = append(per, DeliveredRecipient{Address: addr, Action: ActionFailed, Diagnostic: err.Error()})
			local = &LocalInformation{ErrorClass: class, Diagnostic: err.Error()}
			continue
		}

		per = append(per, DeliveredRecipient{Address: addr, Action: ActionDelivered, Diagnostic: "250 2.0.0 delivered to maildir"})
	}

	return Attempt{Recipients: recipients, Local: local, PerRecipient: per}
}

func (w *MaildirWorker) localUser(addr string) string {
	if name, ok := w.userMap[addr]; ok {
		return name
	}
	if w.lookup == LookupFullAddress {
		return addr
	}
	for i, c := range addr {
		if c == '@' {
			return addr[:i]
		}
	}
	return addr
}

func (w *MaildirWorker) write(u *user.User, addr, messageUUID string, content []byte) error {
	maildir := filepath.Join(u.HomeDir, "Maildir")
	if err := w.createAndChown(maildir, u); err != nil {
		return err
	}
	for _, dir := range []string{"new", "tmp", "cur"} {
		if err := w.createAndChown(filepath.Join(maildir, dir), u); err != nil {
			return err
		}
	}

	target := filepath.Join(maildir, "new", messageUUID+".eml")
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "Delivered-To: %s\n", addr); err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		return err
	}

	return w.chown(target, u)
}

func (w *MaildirWorker) createAndChown(path string, u *user.User) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}
	return w.chown(path, u)
}

func (w *MaildirWorker) chown(path string, u *user.User) error {
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	gid := -1
	if w.groupName != "" {
		if g, err := user.LookupGroup(w.groupName); err == nil {
			if parsed, err := strconv.Atoi(g.Gid); err == nil {
				gid = parsed
			}
		}
	} else if parsed, err := strconv.Atoi(u.Gid); err == nil {
		gid = parsed
	}
	return syscall.Chown(path, uid, gid)
}

// classifyLocalError maps a filesystem error to §3.4's local error
// classes for DSN diagnostic rendering.
func classifyLocalError(err error) LocalErrorClass {
	switch {
	case os.IsPermission(err):
		return LocalErrPermission
	case os.IsExist(err):
		return LocalErrExists
	default:
		return LocalErrOOM
	}
}
