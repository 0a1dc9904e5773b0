// Package r2 stores generated artifacts in an S3-compatible bucket such as
// Cloudflare R2 and resolves their public CDN URLs.
package r2
