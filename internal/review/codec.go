package review

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/claims-adjudication/internal/model"
)

// secretWidth is the fixed length of the shared secret. Labels are
// left-padded with '0', which never occurs in a label.
const secretWidth = 16

func encodeSecret(sev model.Severity) []byte {
	label := sev.Label()
	return append(bytes.Repeat([]byte{'0'}, secretWidth-len(label)), label...)
}

func decodeSecret(secret []byte) (model.Severity, error) {
	if len(secret) != secretWidth {
		return 0, eris.Errorf("review: secret has %d bytes, want %d", len(secret), secretWidth)
	}
	label := string(bytes.TrimLeft(secret, "0"))
	for _, s := range model.Severities {
		if s.Label() == label {
			return s, nil
		}
	}
	return 0, eris.Errorf("review: secret %q is not a severity label", secret)
}

func digest(sev model.Severity) string {
	sum := sha256.Sum256([]byte(sev.Label()))
	return hex.EncodeToString(sum[:])
}

// NewSubmission builds the record a reviewer submits with their share.
func NewSubmission(share string, declared model.Severity) model.Submission {
	return model.Submission{OriginalShare: share, DeclaredLabel: declared, IntegrityDigest: digest(declared)}
}

func encodeSubmission(sub model.Submission) ([]byte, error) {
	b, err := json.Marshal(sub)
	return b, eris.Wrap(err, "review: encode submission")
}

// decodeSubmission parses a stored payload, rejecting records whose digest
// does not match their label.
func decodeSubmission(payload []byte) (model.Submission, error) {
	var sub model.Submission
	if err := json.Unmarshal(payload, &sub); err != nil {
		return sub, eris.Wrap(err, "review: decode submission")
	}
	if !sub.DeclaredLabel.Valid() {
		return sub, eris.Errorf("review: submission label %d out of range", sub.DeclaredLabel)
	}
	if sub.IntegrityDigest != digest(sub.DeclaredLabel) {
		return sub, eris.New("review: submission digest does not match label")
	}
	if sub.OriginalShare == "" {
		return sub, eris.New("review: submission has no share")
	}
	return sub, nil
}
