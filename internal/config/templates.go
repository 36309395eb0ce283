package config

// Built-in templates used when the config does not override them. They are
// plain Liquid and render against the same contexts as user templates:
// {feed, item} for per-item mails, {feeds, items} for digests.

// DefaultItemSubject is the subject of a per-item mail.
const DefaultItemSubject = `{{ item.title | default: item.id }}`

// DefaultDigestSubject is the subject of a digest mail.
const DefaultDigestSubject = `{{ items | size }} new item{% unless items.size == 1 %}s{% endunless %}: {{ feeds | map: "title" | join: ", " }}`

// DefaultItemBody is the HTML body of a per-item mail.
const DefaultItemBody = `<div>
  <h2><a href="{{ item.link }}">{{ item.title | default: item.id }}</a></h2>
  {% if item.author != "" %}<p><em>{{ item.author }}</em></p>{% endif %}
  {% if item.content != "" %}{{ item.content }}{% else %}<p>{{ item.summary }}</p>{% endif %}
  <p><small>{{ feed.title }}{% if item.published %} · {{ item.published | date: "%Y-%m-%d %H:%M" }}{% endif %}</small></p>
</div>`

// DefaultDigestBody is the HTML body of a digest mail.
const DefaultDigestBody = `<div>
  {% for item in items %}
  <div>
    <h2><a href="{{ item.link }}">{{ item.title | default: item.id }}</a></h2>
    {% if item.content != "" %}{{ item.content }}{% else %}<p>{{ item.summary }}</p>{% endif %}
  </div>
  <hr>
  {% endfor %}
  <p><small>{{ feeds | map: "title" | join: ", " }}</small></p>
</div>`
