package feeddoc

import "encoding/xml"

// RSS 2.0 has no first-class concept of prev-archive/current/self links or
// fh:complete/fh:archive flags; feeds using RFC 5005 paging are always Atom
// in practice, so an RSS document is always classified TypeUnspecified and
// relies on the WordPress strategy's own pagination synthesis instead.
type rssDocument struct {
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Link      string    `xml:"link"`
	Generator string    `xml:"generator"`
	Items     []rssItem `xml:"item"`
	AtomLinks []atomLink `xml:"http://www.w3.org/2005/Atom link"`
}

type rssItem struct {
	GUID      rssGUID `xml:"guid"`
	Link      string  `xml:"link"`
	PubDate   string  `xml:"pubDate"`
	Season    string  `xml:"http://www.itunes.com/DTDs/PodCast-1.0.dtd season"`
	Episode   string  `xml:"http://www.itunes.com/DTDs/PodCast-1.0.dtd episode"`
}

type rssGUID struct {
	Value string `xml:",chardata"`
}

func parseRSS(dec *xml.Decoder, root xml.StartElement, doc *Document) error {
	var raw rssDocument
	if err := dec.DecodeElement(&raw, &root); err != nil {
		return err
	}

	if raw.Channel.Generator != "" {
		doc.generatorIdents = append(doc.generatorIdents, raw.Channel.Generator)
	}
	for _, l := range raw.Channel.AtomLinks {
		doc.links = append(doc.links, Link{Rel: l.Rel, Href: l.Href, Type: l.Type})
	}

	for _, item := range raw.Channel.Items {
		guid := item.GUID.Value
		if guid == "" {
			guid = item.Link
		}
		doc.rawEntries = append(doc.rawEntries, rawEntry{
			ID:        guid,
			Link:      item.Link,
			Published: item.PubDate,
			Updated:   item.PubDate,
			Season:    item.Season,
			Episode:   item.Episode,
		})
	}

	return nil
}
