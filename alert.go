package pinroute

import (
	dicttls "github.com/gaukas/godicttls"
)

const (
	alertLevelFatal = 2

	// A TLS 1.3 alert is sent as application_data: two bytes of alert, one
	// byte of inner content type and a 16 byte AEAD tag. Finished is always
	// longer.
	encryptedAlertLen = 2 + 1 + 16

	// ReasonEncryptedAlert is reported for a TLS 1.3 client that sent what
	// looks like an encrypted alert in place of its Finished message.
	ReasonEncryptedAlert = "encrypted_alert"
)

// certificateAlerts are the alert descriptions a client sends when it
// rejects the certificate it was shown.
var certificateAlerts = map[uint8]string{
	42: "bad_certificate",
	43: "unsupported_certificate",
	44: "certificate_revoked",
	45: "certificate_expired",
	46: "certificate_unknown",
	48: "unknown_ca",
}

// ClassifyAlert reports whether record is a plaintext fatal alert rejecting
// the server certificate, and returns the alert name as the failure reason.
func ClassifyAlert(record []byte) (string, bool) {
	r := newWireReader(record, ErrTruncated)
	typ, err := r.u8("record type")
	if err != nil || typ != dicttls.ContentType_alert {
		return "", false
	}
	if err := r.skip(2, "record version"); err != nil {
		return "", false
	}
	body, err := r.vec16("alert", ErrTruncated)
	if err != nil {
		return "", false
	}
	level, err := body.u8("alert level")
	if err != nil || level != alertLevelFatal {
		return "", false
	}
	desc, err := body.u8("alert description")
	if err != nil {
		return "", false
	}
	reason, ok := certificateAlerts[desc]
	return reason, ok
}

// AlertWatcher follows the client side of a handshake, after the ClientHello,
// looking for a certificate rejection. Feed it bytes as they arrive; it
// settles on the first alert or on the first record that shows the
// handshake went through.
type AlertWatcher struct {
	hdr     []byte // partial record header
	body    []byte // partial alert record
	remain  int    // bytes left in the current record
	typ     uint8
	settled bool
	reason  string
}

// Write consumes p and returns the failure reason once one is found.
func (w *AlertWatcher) Write(p []byte) (string, bool) {
	for len(p) > 0 && !w.settled {
		if w.remain == 0 {
			need := recordHeaderLen - len(w.hdr)
			if need > len(p) {
				need = len(p)
			}
			w.hdr = append(w.hdr, p[:need]...)
			p = p[need:]
			if len(w.hdr) < recordHeaderLen {
				break
			}
			w.startRecord()
			continue
		}

		n := w.remain
		if n > len(p) {
			n = len(p)
		}
		if w.typ == dicttls.ContentType_alert {
			w.body = append(w.body, p[:n]...)
		}
		p = p[n:]
		w.remain -= n
		if w.remain == 0 {
			w.endRecord()
		}
	}
	return w.reason, w.reason != ""
}

// Settled reports whether the watcher has stopped looking.
func (w *AlertWatcher) Settled() bool {
	return w.settled
}

func (w *AlertWatcher) startRecord() {
	h := newWireReader(w.hdr, ErrTruncated)
	w.typ, _ = h.u8("record type")
	_ = h.skip(2, "record version")
	n, _ := h.u16("record length")
	w.remain = int(n)
	switch w.typ {
	case dicttls.ContentType_alert:
		w.body = append(w.body[:0], w.hdr...)
	case dicttls.ContentType_application_data:
		if w.remain == encryptedAlertLen {
			w.reason = ReasonEncryptedAlert
		}
		w.settled = true
	}
	w.hdr = w.hdr[:0]
	if w.remain == 0 && !w.settled {
		w.endRecord()
	}
}

func (w *AlertWatcher) endRecord() {
	if w.typ != dicttls.ContentType_alert {
		return
	}
	w.reason, _ = ClassifyAlert(w.body)
	w.settled = true
}
