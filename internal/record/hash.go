package record

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
)

// UniqueKey computes the stable record identifier: the SHA256 of the camera
// id concatenated with the plain natural key, hex-encoded. Downstream systems
// only ever see this hashed form.
func UniqueKey(cameraID, plain string) string {
	h := sha256.Sum256([]byte(cameraID + plain))
	return hex.EncodeToString(h[:])
}

// ImageName hashes an original image identifier into its remote filename,
// prefixed by the image category ("10" vehicle, "20" plate/queue,
// "30" incident).
func ImageName(prefix, original string) string {
	h := md5.Sum([]byte(original))
	return prefix + "_" + hex.EncodeToString(h[:]) + ".jpg"
}
