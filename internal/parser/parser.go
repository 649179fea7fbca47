// Package parser decodes raw certificate bytes into normalized
// certinfo.Record values. It recognizes PEM, bare DER, and PKCS#12 input,
// in that order, and never panics on malformed input.
package parser

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/brandonhon/tls-cert-monitor/internal/apperrors"
	"github.com/brandonhon/tls-cert-monitor/internal/certinfo"
	"github.com/brandonhon/tls-cert-monitor/internal/classifier"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Kind tags which branch of the recognition order produced a result — the
// tagged-variant result in place of dispatch by
// file magic.
type Kind string

const (
	// PEMBatch is one or more PEM CERTIFICATE blocks.
	PEMBatch Kind = "pem_batch"
	// DERSingle is a single bare DER certificate.
	DERSingle Kind = "der_single"
	// PKCS12Batch is one or more certificates from a PKCS#12 bundle.
	PKCS12Batch Kind = "pkcs12_batch"
	// Rejected means none of the recognized formats parsed.
	Rejected Kind = "rejected"
)

// Result is the outcome of parsing one file's bytes.
type Result struct {
	Kind    Kind
	Records []*certinfo.Record
	Err     *apperrors.ParseError
}

// Parse decodes data (the contents of the file at path) into zero or more
// certinfo.Record values, trying PEM, then DER, then PKCS#12 (with each of
// passwords, including the empty password) in that order. now is the
// instant used to compute the Expired flag.
func Parse(path string, data []byte, passwords []string, now time.Time) Result {
	if bytes.Contains(data, []byte("-----BEGIN")) {
		return parsePEM(path, data, now)
	}

	if cert, err := x509.ParseCertificate(data); err == nil {
		rec := toRecord(path, cert, now)
		return Result{Kind: DERSingle, Records: []*certinfo.Record{rec}}
	}

	if result, ok := tryPKCS12(path, data, passwords, now); ok {
		return result
	}

	return Result{
		Kind: Rejected,
		Err:  apperrors.NewParseError(path, "unrecognized certificate format", nil),
	}
}

// parsePEM decodes every CERTIFICATE block in data, ignoring keys, CSRs,
// and other PEM object types, and emitting one record per certificate
// block in the order encountered.
func parsePEM(path string, data []byte, now time.Time) Result {
	var records []*certinfo.Record
	rest := data
	index := 0

	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}

		recPath := path
		if index > 0 {
			recPath = fmt.Sprintf("%s#%d", path, index)
		}
		records = append(records, toRecord(recPath, cert, now))
		index++
	}

	if len(records) == 0 {
		return Result{
			Kind: Rejected,
			Err:  apperrors.NewParseError(path, "no CERTIFICATE blocks found in PEM input", nil),
		}
	}
	return Result{Kind: PEMBatch, Records: records}
}

// tryPKCS12 attempts each password in order, stopping at the first that
// successfully decodes data as a PKCS#12 bundle. The empty password is
// tried whether or not it is explicitly present in passwords.
func tryPKCS12(path string, data []byte, passwords []string, now time.Time) (Result, bool) {
	tried := passwords
	if len(tried) == 0 {
		tried = []string{""}
	} else {
		hasEmpty := false
		for _, p := range tried {
			if p == "" {
				hasEmpty = true
				break
			}
		}
		if !hasEmpty {
			tried = append(append([]string{}, tried...), "")
		}
	}

	for _, pw := range tried {
		certs, ok := decodeBundle(data, pw)
		if !ok || len(certs) == 0 {
			continue
		}

		records := make([]*certinfo.Record, 0, len(certs))
		for i, cert := range certs {
			recPath := fmt.Sprintf("%s#%d", path, i)
			records = append(records, toRecord(recPath, cert, now))
		}
		return Result{Kind: PKCS12Batch, Records: records}, true
	}

	return Result{}, false
}

// decodeBundle extracts every certificate — leaf plus any intermediates —
// from a PKCS#12 blob under the given password. Key-and-cert bundles are
// decoded via DecodeChain; CA-only truststore bundles (no private key) via
// DecodeTrustStore.
func decodeBundle(data []byte, password string) ([]*x509.Certificate, bool) {
	if _, leaf, caCerts, err := pkcs12.DecodeChain(data, password); err == nil {
		all := make([]*x509.Certificate, 0, len(caCerts)+1)
		if leaf != nil {
			all = append(all, leaf)
		}
		all = append(all, caCerts...)
		return all, true
	}

	if certs, err := pkcs12.DecodeTrustStore(data, password); err == nil {
		return certs, true
	}

	return nil, false
}

// toRecord builds a fully-classified certinfo.Record from a parsed
// certificate.
func toRecord(path string, cert *x509.Certificate, now time.Time) *certinfo.Record {
	rec := &certinfo.Record{
		SourcePath:         path,
		Subject:            cert.Subject.String(),
		Issuer:             cert.Issuer.String(),
		Serial:             fmt.Sprintf("%x", cert.SerialNumber),
		SigAlgorithm:       cert.SignatureAlgorithm.String(),
		PublicKeyAlgorithm: cert.PublicKeyAlgorithm.String(),
		NotBefore:          cert.NotBefore.UTC(),
		NotAfter:           cert.NotAfter.UTC(),
	}
	classifier.Classify(rec, cert, now)
	return rec
}
