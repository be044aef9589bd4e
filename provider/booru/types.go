package booru

// post is the wire shape of a single post in the JSON post listing.
type post struct {
	ID     int    `json:"id"`
	Tags   string `json:"tag_string"`
	Score  int    `json:"score"`
	Rating string `json:"rating"`
	Width  int    `json:"image_width"`
	Height int    `json:"image_height"`
	File   string `json:"file_url"`
}

// tagSuggestion is the wire shape of one autocomplete entry.
type tagSuggestion struct {
	Name      string `json:"name"`
	PostCount int    `json:"post_count"`
}
