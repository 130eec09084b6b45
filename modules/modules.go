// Package modules implements the dependency-injection container that
// wires together a replica's subsystems: every replaceable component
// (crypto, storage, consensus rules, network configuration, tree
// topology, ...) is registered as a module in a Core, and consumers
// obtain their dependencies via Core.Get/Core.TryGet rather than
// constructing them directly.
package modules

import (
	"fmt"
	"reflect"

	"github.com/relab/kauri"
)

// Module is implemented by any component that needs a reference to the
// fully wired Core (to look up its own dependencies) before it can be
// used. InitModule is called once, in registration order, during Core.Build.
type Module interface {
	InitModule(mods *Core)
}

// Core is the module registry. Modules are registered with Register
// during startup wiring and resolved by pointer-to-interface via Get and
// TryGet.
type Core struct {
	id      kauri.ID
	modules []interface{}
}

// New returns an empty Core for the given replica ID.
func New(id kauri.ID) *Core {
	return &Core{id: id}
}

// ID returns the ID of the replica this Core belongs to.
func (c *Core) ID() kauri.ID { return c.id }

// Register adds a module instance to the registry. It does not call
// InitModule; call Build once every module has been registered.
func (c *Core) Register(modules ...interface{}) {
	c.modules = append(c.modules, modules...)
}

// Build calls InitModule on every registered module, in registration
// order, so that later modules can already look up earlier ones.
func (c *Core) Build() {
	for _, m := range c.modules {
		if im, ok := m.(Module); ok {
			im.InitModule(c)
		}
	}
}

// Get populates each of ptrs (which must be pointers to an interface or
// concrete type implemented by some registered module) with the first
// matching registered module. Get panics if a dependency cannot be
// satisfied; use TryGet for optional dependencies.
func (c *Core) Get(ptrs ...interface{}) {
	for _, ptr := range ptrs {
		if !c.find(ptr) {
			panic(fmt.Sprintf("modules: no registered module satisfies %s", reflect.TypeOf(ptr).Elem()))
		}
	}
}

// TryGet behaves like Get but leaves the pointer untouched (rather than
// panicking) when no registered module satisfies it. It returns whether a
// match was found.
func (c *Core) TryGet(ptr interface{}) bool {
	return c.find(ptr)
}

func (c *Core) find(ptr interface{}) bool {
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Ptr {
		panic("modules: argument to Get/TryGet must be a pointer")
	}
	elem := v.Elem()
	target := elem.Type()
	for _, m := range c.modules {
		mv := reflect.ValueOf(m)
		if mv.Type().AssignableTo(target) {
			elem.Set(mv)
			return true
		}
	}
	return false
}
