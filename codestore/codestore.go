// Package codestore stores submission code bundles. A bundle is the set
// of source files uploaded with one submission; it is stored once at
// intake and fetched by workers for every run, so the public and the
// secret variant always execute the same artifact.
package codestore

import (
	"bytes"
	"crypto/rand"
	"encoding/base32"
	"errors"
)

const randIDLength = 12

var (
	errUniqueIDNotGenerated = errors.New("unique id does not exist after 50 tries")

	// ErrNotFound is returned when a code id is unknown or expired.
	ErrNotFound = errors.New("codestore: bundle not found")
)

// Store defines the code bundle storage.
type Store interface {
	Add(files map[string]string) (string, error) // Add stores a bundle and returns its id
	Get(id string) (map[string]string, error)    // Get fetches a bundle by id
	Remove(id string) bool                       // Remove deletes a bundle by id
	List() []string                              // List returns all bundle ids
}

func generateID() (string, error) {
	b := make([]byte, randIDLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if _, err := base32.NewEncoder(base32.StdEncoding, &buf).Write(b); err != nil {
		return "", err
	}
	return buf.String(), nil
}
