package mapper

import (
	"fmt"
	"strings"

	"github.com/breez/data-mirror/sink"
	"google.golang.org/api/people/v1"
)

const KindContact = "contact"

// ContactMapper maps People API persons to contact documents.
type ContactMapper struct {
	// CategoriesFromGroups turns contact-group memberships into categories.
	CategoriesFromGroups bool
	// IncludePhotoURI keeps the primary photo URL.
	IncludePhotoURI bool
}

func (m ContactMapper) Map(id string, payload any) (sink.Document, error) {
	person, err := asPerson(payload)
	if err != nil {
		return sink.Document{}, err
	}
	uid := person.ResourceName
	if uid == "" {
		uid = id
	}
	if uid == "" {
		return sink.Document{}, ErrMissingID
	}

	body := Object{"kind": KindContact, "uid": uid}

	fn := uid
	if len(person.Names) > 0 && person.Names[0] != nil {
		n := person.Names[0]
		if dn := clean(n.DisplayName); dn != "" {
			fn = dn
		}
		name := Object{}
		put(name, "family", clean(n.FamilyName))
		put(name, "given", clean(n.GivenName))
		put(name, "additional", clean(n.MiddleName))
		put(name, "prefix", clean(n.HonorificPrefix))
		put(name, "suffix", clean(n.HonorificSuffix))
		put(body, "n", name)
	}
	put(body, "fn", fn)

	emails := make([]Object, 0, len(person.EmailAddresses))
	for _, e := range person.EmailAddresses {
		if e == nil || clean(e.Value) == "" {
			continue
		}
		item := Object{"value": clean(e.Value)}
		put(item, "type", typeParam(e.Type, e.FormattedType))
		emails = append(emails, item)
	}
	if err := putSorted(body, "emails", emails); err != nil {
		return sink.Document{}, fmt.Errorf("contact %v: %w", uid, err)
	}

	phones := make([]Object, 0, len(person.PhoneNumbers))
	for _, p := range person.PhoneNumbers {
		if p == nil || clean(p.Value) == "" {
			continue
		}
		item := Object{"value": clean(p.Value)}
		put(item, "type", typeParam(p.Type, p.FormattedType))
		phones = append(phones, item)
	}
	if err := putSorted(body, "phones", phones); err != nil {
		return sink.Document{}, fmt.Errorf("contact %v: %w", uid, err)
	}

	urls := make([]string, 0, len(person.Urls))
	for _, u := range person.Urls {
		if u != nil {
			urls = append(urls, u.Value)
		}
	}
	put(body, "urls", sortedStrings(urls))

	if len(person.Organizations) > 0 && person.Organizations[0] != nil {
		put(body, "org", clean(person.Organizations[0].Name))
		put(body, "title", clean(person.Organizations[0].Title))
	}

	nicknames := make([]string, 0, len(person.Nicknames))
	for _, n := range person.Nicknames {
		if n != nil {
			nicknames = append(nicknames, n.Value)
		}
	}
	put(body, "nicknames", sortedStrings(nicknames))

	if len(person.Biographies) > 0 && person.Biographies[0] != nil {
		put(body, "note", cleanText(person.Biographies[0].Value))
	}

	if len(person.Birthdays) > 0 && person.Birthdays[0] != nil {
		put(body, "bday", birthday(person.Birthdays[0]))
	}

	addresses := make([]Object, 0, len(person.Addresses))
	for _, a := range person.Addresses {
		if a == nil {
			continue
		}
		item := Object{}
		put(item, "street", clean(a.StreetAddress))
		put(item, "city", clean(a.City))
		put(item, "region", clean(a.Region))
		put(item, "code", clean(a.PostalCode))
		put(item, "country", clean(a.Country))
		if len(item) > 0 {
			put(item, "type", typeParam(a.Type, a.FormattedType))
		}
		addresses = append(addresses, item)
	}
	if err := putSorted(body, "addresses", addresses); err != nil {
		return sink.Document{}, fmt.Errorf("contact %v: %w", uid, err)
	}

	if m.CategoriesFromGroups {
		groups := make([]string, 0, len(person.Memberships))
		for _, ms := range person.Memberships {
			if ms != nil && ms.ContactGroupMembership != nil {
				groups = append(groups, ms.ContactGroupMembership.ContactGroupResourceName)
			}
		}
		put(body, "categories", sortedStrings(groups))
	}

	if m.IncludePhotoURI && len(person.Photos) > 0 && person.Photos[0] != nil && !person.Photos[0].Default {
		put(body, "photo", strings.TrimSpace(person.Photos[0].Url))
	}

	return newDocument(uid, KindContact, DomainContact, body)
}

func asPerson(payload any) (*people.Person, error) {
	switch p := payload.(type) {
	case *people.Person:
		if p == nil {
			return nil, fmt.Errorf("nil person payload")
		}
		return p, nil
	case people.Person:
		return &p, nil
	}
	person, ok, err := decodeRaw[people.Person](payload)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("unsupported contact payload %T", payload)
	}
	return person, nil
}

func typeParam(typ, formatted string) string {
	t := clean(typ)
	if t == "" {
		t = clean(formatted)
	}
	return strings.ToUpper(t)
}

// birthday prefers the structured date, YYYY-MM-DD or --MM-DD without a year.
func birthday(b *people.Birthday) string {
	if d := b.Date; d != nil && d.Month > 0 && d.Day > 0 {
		if d.Year > 0 {
			return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
		}
		return fmt.Sprintf("--%02d-%02d", d.Month, d.Day)
	}
	return clean(b.Text)
}
