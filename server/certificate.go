/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	certStoreFn    = "certificate.x509"
	certTmpStoreFn = "certificate.x509.tmp"

	certValidity = 2 * 365 * 24 * time.Hour
)

// loadCertificate loads the configured certificate and key. Without
// configured files, the certificate in the state path is used and generated
// when it does not exist yet.
func (server *Server) loadCertificate() (tls.Certificate, error) {
	logger := server.logger

	if server.config.TLSCertFile != "" || server.config.TLSKeyFile != "" {
		certificate, err := tls.LoadX509KeyPair(server.config.TLSCertFile, server.config.TLSKeyFile)
		if err != nil {
			return certificate, fmt.Errorf("failed to load tls certificate: %w", err)
		}
		logger.WithField("cert", server.config.TLSCertFile).Debugln("loaded tls certificate")
		return certificate, nil
	}

	var certificate tls.Certificate
	var err error

	pemFile := filepath.Join(server.config.StatePath, certStoreFn)
	certificate, err = tls.LoadX509KeyPair(pemFile, pemFile)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debugln("tls certificate not found, generating")
			certificate, err = server.generateCertificate()
			if err != nil {
				return certificate, fmt.Errorf("failed to generate new certificate: %w", err)
			}
			logger.WithField("path", pemFile).Infoln("created new self-signed tls certificate")
		} else {
			return certificate, fmt.Errorf("failed to load tls certificate from file: %w", err)
		}
	} else {
		logger.Debugln("loaded tls certificate from file")
	}

	return certificate, nil
}

// generateCertificate creates a self-signed x509 certificate for the
// configured hostname and saves it, along with the private key, to a file
// in PEM format.
func (server *Server) generateCertificate() (tls.Certificate, error) {
	var certificate tls.Certificate

	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return certificate, err
	}

	// Create a random 64 bit number
	max := new(big.Int)
	max.Exp(big.NewInt(2), big.NewInt(64), nil).Sub(max, big.NewInt(1))
	sn, err := rand.Int(rand.Reader, max)
	if err != nil {
		return certificate, err
	}

	hostname := server.config.Hostname
	if hostname == "" {
		hostname = "localhost"
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: sn,
		Subject: pkix.Name{
			CommonName: hostname,
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{hostname}
	}

	certDER, err := x509.CreateCertificate(nil, template, template, pubKey, privKey)
	if err != nil {
		return certificate, err
	}
	privKeyDER, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return certificate, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	privKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privKeyDER,
	})

	certificate, err = tls.X509KeyPair(certPEM, privKeyPEM)
	if err != nil {
		return certificate, err
	}

	certTmpFn := filepath.Join(server.config.StatePath, certTmpStoreFn)
	f, err := os.OpenFile(certTmpFn, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return certificate, err
	}
	_, err = f.Write(certPEM)
	if err == nil {
		_, err = f.Write(privKeyPEM)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(certTmpFn, filepath.Join(server.config.StatePath, certStoreFn))
	}
	if err != nil {
		os.Remove(certTmpFn)
		return certificate, err
	}

	return certificate, nil
}
