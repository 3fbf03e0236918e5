package expr

// node is an expression tree node
type node interface {
	position() int
}

type literal struct {
	pos int
	val Value
}

type ident struct {
	pos  int
	name string
}

type unary struct {
	pos int
	op  string
	x   node
}

type binary struct {
	pos  int
	op   string
	l, r node
}

type call struct {
	pos  int
	fn   string
	args []node
}

func (n *literal) position() int { return n.pos }
func (n *ident) position() int   { return n.pos }
func (n *unary) position() int   { return n.pos }
func (n *binary) position() int  { return n.pos }
func (n *call) position() int    { return n.pos }

// walk visits n and its children depth first
func walk(n node, visit func(node) error) error {
	if err := visit(n); err != nil {
		return err
	}
	switch t := n.(type) {
	case *unary:
		return walk(t.x, visit)
	case *binary:
		if err := walk(t.l, visit); err != nil {
			return err
		}
		return walk(t.r, visit)
	case *call:
		for _, arg := range t.args {
			if err := walk(arg, visit); err != nil {
				return err
			}
		}
	}
	return nil
}
