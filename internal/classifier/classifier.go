// Package classifier provides pure, deterministic functions over a parsed
// certificate: weak-key detection, deprecated-signature detection, issuer
// taxonomy, SAN counting, and fingerprinting. None of these functions touch
// the filesystem or read a clock; expiry is judged against a caller-supplied
// time.
package classifier

import (
	"crypto/dsa" //nolint:staticcheck // DSA support retained for legacy certificate classification
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"strings"
	"time"

	"github.com/brandonhon/tls-cert-monitor/internal/certinfo"
)

// minRSABits and minECBits are the weak-key thresholds.
const (
	minRSABits = 2048
	minECBits  = 256
)

// digiCertKeywords classifies the "DigiCert family" of commercial CAs.
var digiCertKeywords = []string{
	"digicert", "rapidssl", "geotrust", "thawte", "verisign", "symantec",
}

// amazonKeywords classifies AWS-issued certificates.
var amazonKeywords = []string{"amazon", "aws", "acm"}

// internalKeywords classifies self-signed/internal CAs by issuer string.
var internalKeywords = []string{
	"self-signed", "self signed", "localhost", "internal", "enterprise",
	"corporate", "private",
}

// internalCNKeywords are CN values inside the issuer DN that indicate an
// internal/test CA even without one of the internalKeywords substrings.
var internalCNKeywords = []string{"localhost", "*.example.com", "test"}

// OtherKnownCAKeywords are well-known public CAs that fall under "Other".
// Exposed for callers (e.g. debug logging) that want to distinguish a
// recognized CA from a truly unrecognized one; it never changes the
// returned code, which is IssuerOther either way.
var OtherKnownCAKeywords = []string{
	"let's encrypt", "letsencrypt", "isrg", "comodo", "sectigo",
	"godaddy", "globalsign", "entrust", "zerossl",
}

// IsKnownOtherCA reports whether issuer matches one of the well-known
// public CAs that classify as "Other" rather than an unrecognized issuer.
func IsKnownOtherCA(issuer string) bool {
	return containsAny(strings.ToLower(issuer), OtherKnownCAKeywords)
}

// ClassifyIssuer returns the integer issuer taxonomy code for a certificate,
// given its subject and issuer strings. Precedence is
// self-signed (33) > DigiCert (30) > Amazon (31) > Other (32). This
// ordering must not be reordered even though it produces subtle divergences
// for compound strings like "Internal DigiCert".
func ClassifyIssuer(subject, issuer string) int {
	lowerIssuer := strings.ToLower(issuer)

	if isSelfSignedOrInternal(subject, issuer, lowerIssuer) {
		return certinfo.IssuerSelfSigned
	}
	if containsAny(lowerIssuer, digiCertKeywords) {
		return certinfo.IssuerDigiCertFamily
	}
	if containsAny(lowerIssuer, amazonKeywords) {
		return certinfo.IssuerAmazonFamily
	}
	return certinfo.IssuerOther
}

func isSelfSignedOrInternal(subject, issuer, lowerIssuer string) bool {
	if subject == issuer {
		return true
	}
	if containsAny(lowerIssuer, internalKeywords) {
		return true
	}
	return cnMatchesAny(lowerIssuer, internalCNKeywords)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// cnMatchesAny checks whether the CN= component of a DN string contains one
// of the given keywords as a substring (a leading "*." is stripped from the
// keyword first).
func cnMatchesAny(lowerDN string, keywords []string) bool {
	cn := extractCN(lowerDN)
	if cn == "" {
		return false
	}
	for _, k := range keywords {
		if cn == k || strings.Contains(cn, strings.TrimPrefix(k, "*.")) {
			return true
		}
	}
	return false
}

// extractCN pulls the first "cn=" component out of an RFC 4514-ish DN
// string. Input is expected lower-cased already.
func extractCN(lowerDN string) string {
	parts := strings.Split(lowerDN, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "cn=") {
			return strings.TrimSpace(strings.TrimPrefix(part, "cn="))
		}
	}
	return ""
}

// CommonName extracts the CN from a subject DN string such as
// "CN=example.com,O=Org,C=US". Returns "" if no CN component is present.
func CommonName(subject string) string {
	for _, part := range strings.Split(subject, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToUpper(part), "CN=") {
			return strings.TrimSpace(part[3:])
		}
	}
	return ""
}

// KeySize returns the bit length of a certificate's public key, for
// weak-key classification. Keys other than RSA, DSA and ECDSA report 0.
func KeySize(cert *x509.Certificate) int {
	switch key := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return key.N.BitLen()
	case *dsa.PublicKey:
		return key.P.BitLen()
	case *ecdsa.PublicKey:
		return key.Curve.Params().BitSize
	default:
		return 0
	}
}

// WeakKey reports whether a key of the given algorithm and bit size is
// considered weak: RSA/DSA under 2048 bits, EC under 256 bits. Unknown
// algorithms (key size 0 with no RSA/DSA/EC match) are never weak.
func WeakKey(algo x509.PublicKeyAlgorithm, bits int) bool {
	switch algo {
	case x509.RSA, x509.DSA:
		return bits < minRSABits
	case x509.ECDSA, x509.Ed25519:
		if algo == x509.Ed25519 {
			return false
		}
		return bits < minECBits
	default:
		return false
	}
}

// DeprecatedSignature reports whether a signature algorithm is in the
// deprecated MD2/MD4/MD5/SHA1 family.
func DeprecatedSignature(alg x509.SignatureAlgorithm) bool {
	switch alg {
	case x509.MD2WithRSA, x509.MD5WithRSA,
		x509.SHA1WithRSA, x509.DSAWithSHA1, x509.ECDSAWithSHA1:
		return true
	default:
		return false
	}
}

// SANCount returns |dns| + |ip| + |email| + |uri| for a certificate, with
// duplicates counted each time they appear.
func SANCount(cert *x509.Certificate) int {
	return len(cert.DNSNames) + len(cert.IPAddresses) + len(cert.EmailAddresses) + len(cert.URIs)
}

// Fingerprint returns the hex SHA-256 digest of a certificate's raw DER
// encoding — the identity used for duplicate detection.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// Classify fills in the derived fields of a Record (weak key, deprecated
// signature, expired, self-signed, issuer code, SAN count, fingerprint,
// common name) from a parsed x509.Certificate. The caller has already set
// SourcePath, Subject, Issuer, Serial, NotBefore, NotAfter, SigAlgorithm,
// PublicKeyAlgorithm.
func Classify(rec *certinfo.Record, cert *x509.Certificate, now time.Time) {
	rec.CommonName = CommonName(rec.Subject)
	rec.KeySizeBits = KeySize(cert)
	rec.WeakKey = WeakKey(cert.PublicKeyAlgorithm, rec.KeySizeBits)
	rec.DeprecatedSig = DeprecatedSignature(cert.SignatureAlgorithm)
	rec.Expired = now.After(cert.NotAfter)
	rec.SelfSigned = rec.Subject == rec.Issuer
	rec.SANCount = SANCount(cert)
	rec.SANDNSNames = append([]string(nil), cert.DNSNames...)
	rec.FingerprintSHA256 = Fingerprint(cert.Raw)
	rec.IssuerCode = ClassifyIssuer(rec.Subject, rec.Issuer)
}
