package protocol

import (
	"crypto/md5" //nolint:gosec // identity hash for cache keys, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ConfKey derives the configuration fingerprint that keys cached results.
// It combines the md5 of the tool version (absent when empty) with the md5
// of the service config serialized as key-sorted [key, value] pairs.
func ConfKey(toolVersion string, serviceConfig map[string]any) string {
	names := make([]string, 0, len(serviceConfig))
	for k := range serviceConfig {
		names = append(names, k)
	}
	sort.Strings(names)

	pairs := make([][2]any, 0, len(names))
	for _, k := range names {
		pairs = append(pairs, [2]any{k, serviceConfig[k]})
	}
	cfg, err := json.Marshal(pairs)
	if err != nil {
		// Config arrived as JSON, so it always re-encodes.
		cfg = []byte(fmt.Sprint(pairs))
	}

	var prefix string
	if toolVersion != "" {
		prefix = md5Hex([]byte(toolVersion))
	}
	return md5Hex([]byte(prefix + md5Hex(cfg)))
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

// ResultKey builds "<sha256>.<service>.v<version>.c<confkey>", with ".e"
// appended for empty results. Dots in service name and version become "_".
func ResultKey(sha256, serviceName, serviceVersion, confKey string, empty bool) string {
	key := baseKey(sha256, serviceName, serviceVersion, confKey)
	if empty {
		key += EmptyKeySuffix
	}
	return key
}

// ErrorKey builds "<sha256>.<service>.v<version>.c<confkey>.e<code>".
func ErrorKey(sha256, serviceName, serviceVersion, confKey string, errType ErrorType) string {
	return fmt.Sprintf("%s.e%d", baseKey(sha256, serviceName, serviceVersion, confKey), errType.Code())
}

// EmptyKeySuffix marks the key of an empty result.
const EmptyKeySuffix = ".e"

func baseKey(sha256, serviceName, serviceVersion, confKey string) string {
	if confKey == "" {
		confKey = "0"
	}
	return strings.Join([]string{
		sha256,
		strings.ReplaceAll(serviceName, ".", "_"),
		"v" + strings.ReplaceAll(serviceVersion, ".", "_"),
		"c" + confKey,
	}, ".")
}
