package mcpserver

// ManifestFormat documents the gallery manifest document served by
// /api/metadata and written by `gallery scan`.
const ManifestFormat = `# Gallery Manifest Format

The manifest is the authoritative, ordered list of images in the gallery.
It is produced wholesale by scanning the storage backend and is never
edited in place.

## Document

` + "```" + `json
{
  "generated": "2024-06-01T12:00:00.000Z",
  "count": 2,
  "version": 1717243200000,
  "images": [
    {
      "id": "img_9e107d9d",
      "filename": "sunset.jpg",
      "path": "uploads/sunset.jpg",
      "src": "/media/uploads/sunset.jpg",
      "title": "sunset",
      "size": 48213,
      "created": "2024-05-30T18:41:07Z",
      "modified": "2024-06-01T11:59:58Z",
      "hash": "9e107d9d372bb6826bd81d3542a419d6"
    }
  ]
}
` + "```" + `

## Rules

1. ` + "`" + `count` + "`" + ` always equals the number of entries in ` + "`" + `images` + "`" + `.
2. ` + "`" + `hash` + "`" + ` is the hex MD5 digest of the file bytes.
3. ` + "`" + `id` + "`" + ` is ` + "`" + `img_` + "`" + ` followed by the first 8 hex characters of ` + "`" + `hash` + "`" + `.
   Ids follow content, so renaming a file keeps its id.
4. ` + "`" + `created` + "`" + ` is the EXIF capture time when the file has one, otherwise
   the storage modification time.
5. Images are ordered newest ` + "`" + `created` + "`" + ` first; ties are ordered by id.
6. ` + "`" + `generated` + "`" + ` never goes backwards between scans; ` + "`" + `version` + "`" + ` is
   its unix-millisecond value and only serves cache busting.

## Changes between manifests

Two manifests are compared by id, never by position:

- id only in the newer manifest: added
- id in both with any field changed (including a rename): updated
- id only in the older manifest: deleted

Supported image types: jpg, jpeg, png, gif, webp.
`
