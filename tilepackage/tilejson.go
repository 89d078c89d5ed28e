package tilepackage

import (
	"encoding/json"
)

// CreateTileJSON builds a TileJSON 3.0.0 document for one archive from its
// header and (for vector packages) decoded metadata. tileURL is the public
// base the tiles are served under, without the /{z}/{x}/{y} suffix.
func CreateTileJSON(header *Header, metadata map[string]interface{}, tileURL string) ([]byte, error) {
	tilejson := make(map[string]interface{})

	tilejson["tilejson"] = "3.0.0"
	tilejson["scheme"] = "xyz"
	tilejson["tiles"] = []string{tileURL + "/{z}/{x}/{y}." + header.TileExt()}

	if header.Name != "" {
		tilejson["name"] = header.Name
	}
	if header.Description != "" {
		tilejson["description"] = header.Description
	}
	if header.Attribution != "" {
		tilejson["attribution"] = header.Attribution
	}
	if header.Version != "" {
		tilejson["version"] = header.Version
	}
	if metadata != nil {
		if layers, ok := metadata["vector_layers"]; ok {
			tilejson["vector_layers"] = layers
		}
	}

	tilejson["minzoom"] = header.MinZoom
	tilejson["maxzoom"] = header.MaxZoom
	tilejson["bounds"] = []float64{header.Bounds[0], header.Bounds[1], header.Bounds[2], header.Bounds[3]}

	return json.Marshal(tilejson)
}
