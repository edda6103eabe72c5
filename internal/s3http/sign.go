package s3http

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // required by the S3 SigV2 scheme, not a security choice of ours.
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// subResources are the sub-resources that must survive in the
// canonicalized resource even when the request's query string would
// otherwise be collapsed to the bucket root.
var subResources = []string{"?acl", "?versioning", "?versions"}

// canonicalizedResource builds the CanonicalizedResource element of the
// string to sign: "/<bucket><path>" normally, or "/<bucket>/" when the
// path is a bare query string unless it names a retained sub-resource.
func canonicalizedResource(bucket, resourcePath string) string {
	if len(resourcePath) > 1 && resourcePath[0] == '?' {
		for _, sr := range subResources {
			if strings.HasPrefix(resourcePath, sr) {
				return fmt.Sprintf("/%s%s", bucket, resourcePath)
			}
		}
		return fmt.Sprintf("/%s/", bucket)
	}
	return fmt.Sprintf("/%s%s", bucket, resourcePath)
}

// canonicalizedAmzHeaders selects headers whose key contains "x-amz-"
// (case-insensitive), lower-cases the key, sorts lexicographically by key,
// and renders each as "key:value\n".
func canonicalizedAmzHeaders(headers Headers) string {
	type kv struct{ k, v string }
	var amz []kv
	for _, h := range headers {
		if strings.Contains(strings.ToLower(h.Key), "x-amz-") {
			amz = append(amz, kv{strings.ToLower(h.Key), h.Value})
		}
	}
	sort.Slice(amz, func(i, j int) bool { return amz[i].k < amz[j].k })

	var b strings.Builder
	for _, e := range amz {
		b.WriteString(e.k)
		b.WriteByte(':')
		b.WriteString(e.v)
		b.WriteByte('\n')
	}
	return b.String()
}

// StringToSign assembles the canonical string signed under SigV2.
func StringToSign(method, bucket, resourcePath, dateRFC1123 string, headers Headers) string {
	contentMD5, _ := headers.Get("Content-MD5")
	contentType, _ := headers.Get("Content-Type")

	return method + "\n" +
		contentMD5 + "\n" +
		contentType + "\n" +
		dateRFC1123 + "\n" +
		canonicalizedAmzHeaders(headers) +
		canonicalizedResource(bucket, resourcePath)
}

// Sign returns the base64 HMAC-SHA1 signature of the canonical string,
// using secretAccessKey as the HMAC key.
func Sign(secretAccessKey, stringToSign string) string {
	mac := hmac.New(sha1.New, []byte(secretAccessKey))
	mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// AuthorizationHeader renders the "AWS <id>:<signature>" value.
func AuthorizationHeader(accessKeyID, signature string) string {
	return fmt.Sprintf("AWS %s:%s", accessKeyID, signature)
}
