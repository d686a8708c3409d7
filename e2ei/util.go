package e2ei

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"

	"github.com/wireapp/core-crypto-go/ccerr"
)

func b64url(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// parsePEMChain decodes a leaf-first PEM certificate chain, the shape an
// ACME finalize poll's certificate URL returns.
func parsePEMChain(data []byte) ([][]byte, error) {
	var chain [][]byte
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if _, err := x509.ParseCertificate(block.Bytes); err != nil {
			return nil, ccerr.Wrap(ccerr.CertificateInvalid, "e2ei: malformed certificate in chain", err)
		}
		chain = append(chain, block.Bytes)
	}
	if len(chain) == 0 {
		return nil, ccerr.New(ccerr.CertificateInvalid, "e2ei: empty certificate chain")
	}
	return chain, nil
}
