// Command s3fuse mounts an S3-compatible bucket as a local filesystem.
package main

import "github.com/s3fuse/s3fuse/cmd"

func main() {
	cmd.Execute()
}
