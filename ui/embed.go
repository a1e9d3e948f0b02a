package ui

import "embed"

// FS contains the panel page and its partial templates. The embed
// directive lives next to the assets so the page is served independently
// of the working directory.
//
//go:embed index.html partials/*.html
var FS embed.FS
