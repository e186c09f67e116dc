// Package web embeds the dashboard assets served at /.
package web

import "embed"

//go:embed index.html app.js style.css favicon.svg
var Assets embed.FS
