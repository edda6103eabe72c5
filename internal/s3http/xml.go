package s3http

import "encoding/xml"

// redirectError is S3's XML body for a 301 response that carries no
// Location header: <Error><Endpoint>host</Endpoint></Error>.
type redirectError struct {
	XMLName  xml.Name `xml:"Error"`
	Endpoint string   `xml:"Endpoint"`
}

// parseRedirectEndpoint extracts //Error/Endpoint from a 301 response body.
// Returns "" if the body doesn't carry one.
func parseRedirectEndpoint(body []byte) string {
	var re redirectError
	if err := xml.Unmarshal(body, &re); err != nil {
		return ""
	}
	return re.Endpoint
}

// initiateMultipartUploadResult is the body of a successful
// POST ?uploads response.
type initiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

// ParseUploadID extracts UploadId from a multipart-initiate response body.
func ParseUploadID(body []byte) (string, error) {
	var r initiateMultipartUploadResult
	if err := xml.Unmarshal(body, &r); err != nil {
		return "", newError(KindProtocol, "ParseUploadID", err)
	}
	if r.UploadID == "" {
		return "", newError(KindProtocol, "ParseUploadID", errNoUploadID)
	}
	return r.UploadID, nil
}

var errNoUploadID = xmlError("response did not contain an UploadId")

type xmlError string

func (e xmlError) Error() string { return string(e) }

// CompletedPart is one <Part> entry of a CompleteMultipartUpload request.
type CompletedPart struct {
	PartNumber int
	ETagHex    string
}

// completeMultipartUpload mirrors the wire shape of the request body for
// POST <name>?uploadId=<id>.
type completeMultipartUpload struct {
	XMLName xml.Name `xml:"CompleteMultipartUpload"`
	Parts   []completedPartXML
}

type completedPartXML struct {
	XMLName    xml.Name `xml:"Part"`
	PartNumber int      `xml:"PartNumber"`
	ETag       string   `xml:"ETag"`
}

// BuildCompleteMultipartUploadBody renders the complete-upload XML body in
// part-number order, each ETag quoted per S3 convention.
func BuildCompleteMultipartUploadBody(parts []CompletedPart) ([]byte, error) {
	body := completeMultipartUpload{}
	for _, p := range parts {
		body.Parts = append(body.Parts, completedPartXML{
			PartNumber: p.PartNumber,
			ETag:       `"` + p.ETagHex + `"`,
		})
	}
	out, err := xml.Marshal(body)
	if err != nil {
		return nil, newError(KindProtocol, "BuildCompleteMultipartUploadBody", err)
	}
	return out, nil
}

// ListBucketResult is S3's XML response schema for a bucket listing,
// trimmed to the fields this filesystem needs for readdir.
type ListBucketResult struct {
	XMLName        xml.Name        `xml:"ListBucketResult"`
	Name           string          `xml:"Name"`
	Prefix         string          `xml:"Prefix"`
	Marker         string          `xml:"Marker"`
	NextMarker     string          `xml:"NextMarker"`
	MaxKeys        int             `xml:"MaxKeys"`
	Delimiter      string          `xml:"Delimiter"`
	IsTruncated    bool            `xml:"IsTruncated"`
	Contents       []ListEntry     `xml:"Contents"`
	CommonPrefixes []CommonPrefix  `xml:"CommonPrefixes"`
}

// ListEntry is one <Contents> row: an object key with its metadata.
type ListEntry struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	VersionID    string `xml:"VersionId"`
}

// CommonPrefix is one <CommonPrefixes> row: an implied sub-directory.
type CommonPrefix struct {
	Prefix string `xml:"Prefix"`
}

// ParseListBucketResult decodes a GET /?delimiter=/&prefix=... response body.
func ParseListBucketResult(body []byte) (*ListBucketResult, error) {
	var r ListBucketResult
	if err := xml.Unmarshal(body, &r); err != nil {
		return nil, newError(KindProtocol, "ParseListBucketResult", err)
	}
	return &r, nil
}
