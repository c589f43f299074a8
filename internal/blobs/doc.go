// Package blobs implements the blob trigger shared listener.
//
// The strategy is picked once per listener from the storage account:
// development accounts get a plain container scan, real accounts get a
// hybrid of write-log polling and scheduled full scans.
package blobs
