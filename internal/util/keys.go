package util

import (
	"strconv"

	"github.com/zeebo/xxh3"
)

// StorageKey isolates userKey under namespace: "<ns>:<key>", or the bare key
// when ns is empty.
func StorageKey(ns, userKey string) string {
	if ns == "" {
		return userKey
	}
	return ns + ":" + userKey
}

// BlobKey derives the overflow object key of a storage key. It is a pure
// function of its inputs, so no index of blob keys is needed.
func BlobKey(prefix, storageKey string) string {
	if prefix == "" {
		return storageKey
	}
	return prefix + "/" + storageKey
}

// Fingerprint returns a short stable hash of key, used where raw keys must
// not leak (logs, metrics labels).
func Fingerprint(key string) string {
	return strconv.FormatUint(xxh3.HashString(key), 16)
}
