package s3http

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizedResourceDefault(t *testing.T) {
	assert.Equal(t, "/mybucket/foo/bar", canonicalizedResource("mybucket", "/foo/bar"))
}

func TestCanonicalizedResourceBareQueryCollapses(t *testing.T) {
	assert.Equal(t, "/mybucket/", canonicalizedResource("mybucket", "?location"))
}

func TestCanonicalizedResourceRetainsSubResource(t *testing.T) {
	assert.Equal(t, "/mybucket?acl", canonicalizedResource("mybucket", "?acl"))
	assert.Equal(t, "/mybucket/", canonicalizedResource("mybucket", "?torrent"))
}

func TestCanonicalizedAmzHeadersSortedAndLowercased(t *testing.T) {
	h := Headers{
		{Key: "X-Amz-Meta-Date", Value: "b"},
		{Key: "Content-Type", Value: "text/plain"},
		{Key: "x-amz-acl", Value: "a"},
	}
	got := canonicalizedAmzHeaders(h)
	assert.Equal(t, "x-amz-acl:a\nx-amz-meta-date:b\n", got)
}

func TestStringToSignShape(t *testing.T) {
	h := Headers{{Key: "x-amz-acl", Value: "public-read"}}
	got := StringToSign("PUT", "mybucket", "/key", "Tue, 27 Mar 2007 19:36:42 +0000", h)
	want := "PUT\n" +
		"\n" +
		"\n" +
		"Tue, 27 Mar 2007 19:36:42 +0000\n" +
		"x-amz-acl:public-read\n" +
		"/mybucket/key"
	assert.Equal(t, want, got)
}

func TestSignIsDeterministic(t *testing.T) {
	s1 := Sign("secret", "to-sign")
	s2 := Sign("secret", "to-sign")
	assert.Equal(t, s1, s2)
	assert.NotEmpty(t, s1)
}
