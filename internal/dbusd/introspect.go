package dbusd

import (
	"strings"

	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
)

// node wraps one or more interface XML fragments together with the
// standard Introspectable/Properties boilerplate godbus ships, producing
// a full <node> document for a single object path.
func node(extra ...string) introspect.Introspectable {
	var b strings.Builder
	b.WriteString("<node>")
	b.WriteString(introspect.IntrospectDataString)
	b.WriteString(prop.IntrospectDataString)
	for _, x := range extra {
		b.WriteString(x)
	}
	b.WriteString("</node>")
	return introspect.Introspectable(b.String())
}

// ServiceIntrospectable is the introspection document for the root
// Service object.
func ServiceIntrospectable() introspect.Introspectable {
	return node(serviceIntrospectXML)
}

// CollectionIntrospectable is the introspection document for a
// collection object (canonical or alias path).
func CollectionIntrospectable() introspect.Introspectable {
	return node(collectionIntrospectXML)
}

// ItemIntrospectable is the introspection document for an item object.
func ItemIntrospectable() introspect.Introspectable {
	return node(itemIntrospectXML)
}

// SessionIntrospectable is the introspection document for a session object.
func SessionIntrospectable() introspect.Introspectable {
	return node(sessionIntrospectXML)
}

// PromptIntrospectable is the introspection document for the stub
// prompt object.
func PromptIntrospectable() introspect.Introspectable {
	return node(promptIntrospectXML)
}

// Introspection XML fragments for the interfaces this package exports.
// godbus's introspect helper concatenates these with the standard
// Introspectable/Properties boilerplate it already knows how to serve.

const serviceIntrospectXML = `
<interface name="org.freedesktop.Secret.Service">
	<method name="OpenSession">
		<arg name="algorithm" type="s" direction="in"/>
		<arg name="input" type="v" direction="in"/>
		<arg name="output" type="v" direction="out"/>
		<arg name="result" type="o" direction="out"/>
	</method>
	<method name="CreateCollection">
		<arg name="properties" type="a{sv}" direction="in"/>
		<arg name="alias" type="s" direction="in"/>
		<arg name="collection" type="o" direction="out"/>
		<arg name="prompt" type="o" direction="out"/>
	</method>
	<method name="SearchItems">
		<arg name="attributes" type="a{ss}" direction="in"/>
		<arg name="unlocked" type="ao" direction="out"/>
		<arg name="locked" type="ao" direction="out"/>
	</method>
	<method name="Unlock">
		<arg name="objects" type="ao" direction="in"/>
		<arg name="unlocked" type="ao" direction="out"/>
		<arg name="prompt" type="o" direction="out"/>
	</method>
	<method name="Lock">
		<arg name="objects" type="ao" direction="in"/>
		<arg name="locked" type="ao" direction="out"/>
		<arg name="prompt" type="o" direction="out"/>
	</method>
	<method name="GetSecrets">
		<arg name="items" type="ao" direction="in"/>
		<arg name="session" type="o" direction="in"/>
		<arg name="secrets" type="a{o(oayays)}" direction="out"/>
	</method>
	<method name="ReadAlias">
		<arg name="name" type="s" direction="in"/>
		<arg name="collection" type="o" direction="out"/>
	</method>
	<method name="SetAlias">
		<arg name="name" type="s" direction="in"/>
		<arg name="collection" type="o" direction="in"/>
	</method>
	<property name="Collections" type="ao" access="read"/>
	<signal name="CollectionCreated"><arg name="collection" type="o"/></signal>
	<signal name="CollectionDeleted"><arg name="collection" type="o"/></signal>
	<signal name="CollectionChanged"><arg name="collection" type="o"/></signal>
</interface>`

const collectionIntrospectXML = `
<interface name="org.freedesktop.Secret.Collection">
	<method name="Delete"><arg name="prompt" type="o" direction="out"/></method>
	<method name="SearchItems">
		<arg name="attributes" type="a{ss}" direction="in"/>
		<arg name="results" type="ao" direction="out"/>
	</method>
	<method name="CreateItem">
		<arg name="properties" type="a{sv}" direction="in"/>
		<arg name="secret" type="(oayays)" direction="in"/>
		<arg name="replace" type="b" direction="in"/>
		<arg name="item" type="o" direction="out"/>
		<arg name="prompt" type="o" direction="out"/>
	</method>
	<property name="Items" type="ao" access="read"/>
	<property name="Label" type="s" access="readwrite"/>
	<property name="Locked" type="b" access="read"/>
	<property name="Created" type="t" access="read"/>
	<property name="Modified" type="t" access="read"/>
	<signal name="ItemCreated"><arg name="item" type="o"/></signal>
	<signal name="ItemDeleted"><arg name="item" type="o"/></signal>
	<signal name="ItemChanged"><arg name="item" type="o"/></signal>
</interface>`

const itemIntrospectXML = `
<interface name="org.freedesktop.Secret.Item">
	<method name="Delete"><arg name="prompt" type="o" direction="out"/></method>
	<method name="GetSecret">
		<arg name="session" type="o" direction="in"/>
		<arg name="secret" type="(oayays)" direction="out"/>
	</method>
	<method name="SetSecret"><arg name="secret" type="(oayays)" direction="in"/></method>
	<property name="Locked" type="b" access="read"/>
	<property name="Attributes" type="a{ss}" access="readwrite"/>
	<property name="Label" type="s" access="readwrite"/>
	<property name="Created" type="t" access="read"/>
	<property name="Modified" type="t" access="read"/>
</interface>
<interface name="me.grimsteel.PassSecretService.LastAccess">
	<method name="LastAccess">
		<arg name="bus_name" type="s" direction="out"/>
		<arg name="uid" type="u" direction="out"/>
		<arg name="pid" type="u" direction="out"/>
		<arg name="process_name" type="s" direction="out"/>
		<arg name="unix_time" type="t" direction="out"/>
	</method>
</interface>`

const sessionIntrospectXML = `
<interface name="org.freedesktop.Secret.Session">
	<method name="Close"/>
</interface>`

const promptIntrospectXML = `
<interface name="org.freedesktop.Secret.Prompt">
	<method name="Prompt"><arg name="window-id" type="s" direction="in"/></method>
	<method name="Dismiss"/>
	<signal name="Completed">
		<arg name="dismissed" type="b"/>
		<arg name="result" type="v"/>
	</signal>
</interface>`
