package philomena

import "encoding/json"

// imagePage is the wire shape of a search response. Images are kept as
// raw messages so the original payload survives into RawItem.Payload.
type imagePage struct {
	Images []json.RawMessage `json:"images"`
	Total  int               `json:"total"`
}

// image is the wire shape of a single search result.
type image struct {
	ID              int      `json:"id"`
	Tags            []string `json:"tags"`
	Score           int      `json:"score"`
	Width           int      `json:"width"`
	Height          int      `json:"height"`
	Representations struct {
		Full string `json:"full"`
	} `json:"representations"`
}

// tagPage is the wire shape of a tag search response.
type tagPage struct {
	Tags []struct {
		Name   string `json:"name"`
		Images int    `json:"images"`
	} `json:"tags"`
}
