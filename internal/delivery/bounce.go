package delivery

import (
	"bufio"
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"net/mail"
	"strconv"
	"strings"
)

// BounceType classifies an incoming bounce message, for the case where
// this MTA is itself the recipient of a DSN from a remote system (a
// quarantine/archive concern, not the outbound DeriveAction path).
type BounceType string

const (
	BounceHard      BounceType = "hard"
	BounceSoft      BounceType = "soft"
	BounceComplaint BounceType = "complaint"
)

// BounceInfo holds the fields extracted from a bounce message.
type BounceInfo struct {
	Type      BounceType
	Code      int
	Message   string
	Recipient string
	Permanent bool
}

// ClassifyBounce classifies a raw SMTP response code/message pair as
// reported by a remote peer, independent of any DSN body.
func ClassifyBounce(code int, message string) BounceInfo {
	info := BounceInfo{Code: code, Message: message}
	lowerMsg := strings.ToLower(message)

	if containsAny(lowerMsg, "spam", "unsolicited", "abuse", "complaint", "blocked for spam") {
		info.Type = BounceComplaint
		info.Permanent = true
		return info
	}

	switch {
	case code >= 500 && code < 600:
		info.Type = BounceHard
		info.Permanent = true
		if code == 552 && containsAny(lowerMsg, "quota", "mailbox full", "over quota", "storage") {
			info.Type = BounceSoft
			info.Permanent = false
		}
	case code >= 400 && code < 500:
		info.Type = BounceSoft
		info.Permanent = false
	default:
		info.Type = BounceSoft
		info.Permanent = false
	}

	return info
}

// ClassifyDSN parses an RFC 3464 multipart/report delivery-status message
// and extracts the bounce classification from its machine-readable part.
func ClassifyDSN(rawMessage []byte) (*BounceInfo, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(rawMessage))
	if err != nil {
		return nil, fmt.Errorf("parsing DSN message: %w", err)
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		return nil, fmt.Errorf("missing Content-Type header")
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("parsing Content-Type: %w", err)
	}
	if mediaType != "multipart/report" {
		return nil, fmt.Errorf("unexpected Content-Type %q, expected multipart/report", mediaType)
	}

	reportType := params["report-type"]
	if reportType != "" && reportType != "delivery-status" {
		return nil, fmt.Errorf("unexpected report-type %q, expected delivery-status", reportType)
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("missing boundary in Content-Type")
	}

	reader := multipart.NewReader(msg.Body, boundary)

	var info BounceInfo
	foundStatus := false

	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}

		partMedia, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if partMedia == "message/delivery-status" {
			if err := parseDSNStatus(part, &info); err != nil {
				return nil, fmt.Errorf("parsing delivery-status: %w", err)
			}
			foundStatus = true
		}
		_ = part.Close()
	}

	if !foundStatus {
		return nil, fmt.Errorf("no message/delivery-status part found in DSN")
	}

	return &info, nil
}

func parseDSNStatus(part *multipart.Part, info *BounceInfo) error {
	scanner := bufio.NewScanner(part)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		colonIdx := strings.Index(line, ":")
		if colonIdx < 0 {
			continue
		}

		key := strings.TrimSpace(strings.ToLower(line[:colonIdx]))
		value := strings.TrimSpace(line[colonIdx+1:])

		switch key {
		case "status":
			parseDSNStatusCode(value, info)
		case "final-recipient":
			if idx := strings.Index(value, ";"); idx >= 0 {
				info.Recipient = strings.TrimSpace(value[idx+1:])
			}
		case "original-recipient":
			if info.Recipient == "" {
				if idx := strings.Index(value, ";"); idx >= 0 {
					info.Recipient = strings.TrimSpace(value[idx+1:])
				}
			}
		case "diagnostic-code":
			info.Message = value
			parseDiagnosticCode(value, info)
		case "action":
			switch strings.ToLower(value) {
			case "failed":
				info.Permanent = true
				info.Type = BounceHard
			case "delayed", "relayed", "expanded":
				info.Permanent = false
				info.Type = BounceSoft
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading delivery-status: %w", err)
	}

	if info.Type == "" {
		info.Type = BounceSoft
	}
	return nil
}

func parseDSNStatusCode(status string, info *BounceInfo) {
	parts := strings.SplitN(status, ".", 3)
	if len(parts) < 1 {
		return
	}

	class, err := strconv.Atoi(parts[0])
	if err != nil {
		return
	}

	switch class {
	case 5:
		info.Type = BounceHard
		info.Permanent = true
		info.Code = 550
		if len(parts) >= 3 {
			subject, _ := strconv.Atoi(parts[1])
			detail, _ := strconv.Atoi(parts[2])
			switch {
			case subject == 2 && detail == 2:
				info.Type = BounceSoft
				info.Permanent = false
				info.Code = 552
			case subject == 3, subject == 4, subject == 7:
				info.Code = 554
			}
		}
	case 4:
		info.Type = BounceSoft
		info.Permanent = false
		info.Code = 450
		if len(parts) >= 3 {
			subject, _ := strconv.Atoi(parts[1])
			switch subject {
			case 2:
				info.Code = 452
			case 4:
				info.Code = 421
			case 7:
				info.Code = 450
			}
		}
	case 2:
		info.Type = ""
		info.Permanent = false
		info.Code = 250
	}
}

func parseDiagnosticCode(diagnostic string, info *BounceInfo) {
	if idx := strings.Index(diagnostic, ";"); idx >= 0 {
		diagnostic = strings.TrimSpace(diagnostic[idx+1:])
	}
	if len(diagnostic) >= 3 {
		code, err := strconv.Atoi(diagnostic[:3])
		if err == nil && code >= 200 && code < 600 {
			info.Code = code
			classified := ClassifyBounce(code, info.Message)
			info.Type = classified.Type
			info.Permanent = classified.Permanent
		}
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
