//go:build gocv

package main

import _ "github.com/video-system/go-webcam/pkg/backend/opencv"
