// Package opencv captures through OpenCV's VideoCapture via gocv. It needs
// the OpenCV libraries at build time, so it is only compiled with the gocv
// build tag:
//
//	go build -tags gocv ./...
//
// OpenCV converts every device encoding to packed BGR, so all formats this
// driver reports carry the BGR3 tag.
package opencv
