// Package contentcache holds external content cache backends for the mate
// server. Each backend exposes Read and Write methods with the shapes of
// mate.CacheRead and mate.CacheWrite.
package contentcache

import "errors"

var ErrCacheMiss = errors.New("content cache miss")
